package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/clinicflow/internal/config"
	"github.com/wolfman30/clinicflow/internal/notify"
	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

// BuildNotifier returns an unstarted dispatcher. Notifications go to SQS
// when a queue URL and client are present, otherwise to the log.
func BuildNotifier(cfg *appconfig.Config, sqsClient *sqs.Client, logger *logging.Logger, m *metrics.QueueMetrics) *notify.Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg != nil && sqsClient != nil {
		if url := strings.TrimSpace(cfg.NotificationQueueURL); url != "" {
			sink = notify.NewSQSSink(sqsClient, url)
			logger.Info("patient notifications routed to sqs", "queue_url", url)
		}
	}
	return notify.NewDispatcher(sink, logger, m)
}
