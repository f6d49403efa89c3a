package host

import (
	"github.com/sirupsen/logrus"
)

// LogUI routes plugin UI requests to the host log. Modals and confirms
// cannot block a headless host, so modals log and confirms answer true.
type LogUI struct {
	log *logrus.Logger
}

// NewLogUI creates a log-backed UI surface.
func NewLogUI(log *logrus.Logger) *LogUI {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogUI{log: log}
}

func (u *LogUI) ShowNotification(message, level string) {
	entry := u.log.WithField("source", "plugin-ui")
	switch level {
	case "error":
		entry.Error(message)
	case "warning":
		entry.Warn(message)
	default:
		entry.Info(message)
	}
}

func (u *LogUI) ShowModal(title, body string) error {
	u.log.WithField("source", "plugin-ui").Infof("[modal] %s: %s", title, body)
	return nil
}

func (u *LogUI) ShowConfirm(message string) (bool, error) {
	u.log.WithField("source", "plugin-ui").Infof("[confirm] %s", message)
	return true, nil
}
