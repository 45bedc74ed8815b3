package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch creates the CloudWatch client. An empty region falls back to
// AWS_REGION. When AWS configuration cannot be loaded a warning is logged and
// publishing stays disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "MarketFlow"
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

	state := &cloudWatchState{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
		dashboard: dashboard,
	}
	cwState.Store(state)

	log.WithFields(Fields{"region": cfg.Region, "namespace": namespace}).Info("initialized CloudWatch client")

	if dashboard != "" {
		createDashboard(ctx, state)
	}
}

// PublishMetrics sends data to CloudWatch when the client has been
// initialised and is a no-op otherwise.
func PublishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	state := cwState.Load()
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
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

func createDashboard(ctx context.Context, state *cloudWatchState) {
	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","sequence_gaps"],
    ["%[1]s","reconnects"],
    ["%[1]s","events_dropped"],
    ["%[1]s","used_weight"]
],
"period": 60,
"stat": "Sum",
"title": "MarketFlow Streams"
}
}]
}`, state.namespace)

	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
