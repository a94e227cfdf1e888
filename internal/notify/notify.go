// Package notify is the fire-and-forget notification sink consumed by the
// delivery workers. Nothing in the pipeline reads a return value from it.
package notify

import "go.uber.org/zap"

// Notifier presents delivery events to the user.
type Notifier interface {
	// SendFailed shows a send-failed notification with a retry action.
	SendFailed(localID string, reason string)
	// UploadProgress shows or updates an upload progress notification.
	UploadProgress(localID string, percent int)
	// ClearUpload removes any in-progress upload notification.
	ClearUpload(localID string)
}

// LogNotifier is the default sink: it records notifications in the log.
// Platform frontends substitute their own implementation.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendFailed(localID string, reason string) {
	n.logger.Warn("send failed notification",
		zap.String("local_id", localID),
		zap.String("reason", reason))
}

func (n *LogNotifier) UploadProgress(localID string, percent int) {
	n.logger.Debug("upload progress notification",
		zap.String("local_id", localID),
		zap.Int("percent", percent))
}

func (n *LogNotifier) ClearUpload(localID string) {
	n.logger.Debug("upload notification cleared", zap.String("local_id", localID))
}
