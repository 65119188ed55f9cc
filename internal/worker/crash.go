package worker

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/config"
)

// benignErrorSignatures are transport/network failures that keep the
// process alive: reconnect or job retry absorbs them.
var benignErrorSignatures = []string{
	"terminated",
	"other side closed",
	"ECONNRESET",
	"socket hang up",
	"UND_ERR_SOCKET",
	"ECONNREFUSED",
	"ETIMEDOUT",
}

// sessionSyncSignatures mark decryption-state incidents. Reconciliation
// happens through the inbound stub path on the next message; these are
// only recorded.
var sessionSyncSignatures = []string{
	"Over 2000 messages into the future",
	"SessionError",
	"Failed to decrypt message",
	"Invalid patch mac",
	"Bad MAC",
}

// alertBudget caps the crash alert mail; the process exits regardless.
const alertBudget = 5 * time.Second

// IsBenignTransportError reports whether err matches a known transient
// transport signature.
func IsBenignTransportError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sig := range benignErrorSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsSessionSyncError reports whether err matches a decryption-error
// signature.
func IsSessionSyncError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sig := range sessionSyncSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// CrashHandler classifies uncaught errors: benign transport noise and
// session-sync incidents log and continue, anything else exits so the
// supervisor restarts the worker.
type CrashHandler struct {
	smtp config.SmtpConfig
	exit func(code int)
}

func NewCrashHandler(smtp config.SmtpConfig) *CrashHandler {
	return &CrashHandler{smtp: smtp, exit: os.Exit}
}

// Handle decides the fate of an uncaught error.
func (h *CrashHandler) Handle(err error) {
	if err == nil {
		return
	}
	switch {
	case IsBenignTransportError(err):
		zap.L().Warn("worker: benign transport error", zap.Error(err))
	case IsSessionSyncError(err):
		zap.L().Warn("worker: session sync incident", zap.Error(err))
	default:
		h.Fatal(err)
	}
}

// Fatal logs, attempts the alert mail within its budget, and exits 1.
func (h *CrashHandler) Fatal(err error) {
	zap.L().Error("worker: fatal uncaught error, exiting", zap.Error(err))
	h.sendAlert(err)
	_ = zap.L().Sync()
	h.exit(1)
}

func (h *CrashHandler) sendAlert(cause error) {
	if h.smtp.Host == "" || h.smtp.AlertTo == "" {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m := gomail.NewMessage()
		m.SetHeader("From", h.smtp.From)
		m.SetHeader("To", h.smtp.AlertTo)
		m.SetHeader("Subject", "waconnect worker crashed")
		m.SetBody("text/plain", "The session & delivery worker exited with: "+cause.Error())
		d := gomail.NewDialer(h.smtp.Host, h.smtp.Port, h.smtp.Username, h.smtp.Password)
		if err := d.DialAndSend(m); err != nil {
			zap.L().Warn("worker: alert mail failed", zap.Error(err))
		}
	}()
	select {
	case <-done:
	case <-time.After(alertBudget):
		zap.L().Warn("worker: alert mail timed out")
	}
}
