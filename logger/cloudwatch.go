package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type cloudWatch struct {
	mu        sync.RWMutex
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var cw = &cloudWatch{namespace: "Feedflow", dashboard: "Feedflow"}

// InitCloudWatch initialises the CloudWatch client using the provided region and
// namespace. If region is empty it falls back to AWS_REGION. When the client
// cannot be created publishing stays disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cw.mu.Lock()
	cw.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cw.namespace = namespace
	}
	if dashboard != "" {
		cw.dashboard = dashboard
	}
	ns := cw.namespace
	cw.mu.Unlock()

	log.WithFields(Fields{"region": cfg.Region, "namespace": ns}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

func (c *cloudWatch) current() (*cloudwatch.Client, string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.namespace, c.dashboard
}

// publishMetrics sends data to CloudWatch once the client is initialised.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, namespace, _ := cw.current()
	if client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard puts a dashboard with the ingestion and host widgets.
func CreateDefaultDashboard(ctx context.Context) {
	client, namespace, dashboard := cw.current()
	if client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","Feedflow-Fetches"],
    ["%[1]s","Feedflow-Persisted"],
    ["%[1]s","Feedflow-Deferred"],
    ["%[1]s","Feedflow-Dropped"]
],
"period": 60,
"stat": "Sum",
"title": "Ingestion"
}
},{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","Feedflow-CPUPercent"],
    ["%[1]s","Feedflow-MemoryMB"]
],
"period": 60,
"stat": "Average",
"title": "Host"
}
}]
}`, namespace)

	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
