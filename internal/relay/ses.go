package relay

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"guardian/internal/validation"
)

// emailSender is the part of the SES client the operator uses
type emailSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESOperator emails verification requests to the operator mailbox via Amazon SES
type SESOperator struct {
	client    emailSender
	fromEmail string
	fromName  string
	toEmail   string
	logger    *zap.Logger
}

// NewSESOperator creates an SES-backed operator channel
func NewSESOperator(ctx context.Context, awsRegion, fromEmail, fromName, operatorEmail string, logger *zap.Logger) (*SESOperator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := validation.ValidateEmail(fromEmail); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := validation.ValidateEmail(operatorEmail); err != nil {
		return nil, fmt.Errorf("invalid operator address: %w", err)
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(awsRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("operator email enabled",
		zap.String("from", fromEmail),
		zap.String("to", operatorEmail),
		zap.String("region", awsRegion))

	return newSESOperator(sesv2.NewFromConfig(cfg), fromEmail, fromName, operatorEmail, logger), nil
}

func newSESOperator(client emailSender, fromEmail, fromName, operatorEmail string, logger *zap.Logger) *SESOperator {
	return &SESOperator{
		client:    client,
		fromEmail: fromEmail,
		fromName:  fromName,
		toEmail:   operatorEmail,
		logger:    logger,
	}
}

// Deliver sends one verification request
func (s *SESOperator) Deliver(ctx context.Context, req Request) error {
	subject := fmt.Sprintf("Guardian activation code for %s", req.Username)
	textBody := fmt.Sprintf(`A new family is waiting for activation.

Username:   %s
Child name: %s
Code:       %s

Send this code to the registrant over WhatsApp. It expires one minute after registration.
`, req.Username, req.ChildName, req.Code)

	fromAddress := s.fromEmail
	if s.fromName != "" {
		fromAddress = fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{s.toEmail},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(textBody),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to email operator: %w", err)
	}

	fields := []zap.Field{zap.String("username", req.Username)}
	if result.MessageId != nil {
		fields = append(fields, zap.String("message_id", *result.MessageId))
	}
	s.logger.Info("verification request emailed", fields...)
	return nil
}
