// Package relay hands registration verification codes to a human operator,
// who passes them back to the registrant out of band.
package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Request is what the operator needs to match a code to a registrant
type Request struct {
	Username  string
	ChildName string
	Code      string
}

// Operator delivers a verification request. There is no response path:
// the registrant re-enters the code by hand.
type Operator interface {
	Deliver(ctx context.Context, req Request) error
}

// DeepLink composes the messaging link the registrant opens to ask the
// operator for a code. It carries the username and child name, never the code.
func DeepLink(operatorNumber, username, childName string) string {
	if operatorNumber == "" {
		return ""
	}
	message := fmt.Sprintf("Hello Guardian operator, I am a new user.\nUsername: *%s*\nChild name: *%s*\n\nPlease send my activation code.",
		username, childName)
	number := strings.TrimPrefix(strings.TrimSpace(operatorNumber), "+")
	return "https://wa.me/" + number + "?text=" + url.QueryEscape(message)
}

// LogOperator writes requests to the log, for development and tests
type LogOperator struct {
	logger *zap.Logger
}

// NewLogOperator creates a log-only operator channel
func NewLogOperator(logger *zap.Logger) *LogOperator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogOperator{logger: logger}
}

func (o *LogOperator) Deliver(ctx context.Context, req Request) error {
	o.logger.Info("verification code issued",
		zap.String("username", req.Username),
		zap.String("child", req.ChildName),
		zap.String("code", req.Code))
	return nil
}
