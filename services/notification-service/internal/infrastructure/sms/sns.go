// Package sms sends reservation texts through AWS SNS.
package sms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/breaker"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/application/notify"
)

// Publisher is the slice of the SNS client used here.
type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNS struct {
	client   Publisher
	senderID string
	cb       *breaker.Breaker
	lg       zerolog.Logger
}

var _ notify.SMSProvider = (*SNS)(nil)

// NewSNS sends transactional SMS. senderID is optional.
func NewSNS(client Publisher, senderID string, lg zerolog.Logger) (*SNS, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	return &SNS{
		client:   client,
		senderID: senderID,
		cb:       breaker.New(breaker.Config{Name: "sns_sms"}),
		lg:       lg.With().Str("component", "sms_sns").Logger(),
	}, nil
}

func (s *SNS) Name() string { return "sns" }

func (s *SNS) SendSMS(ctx context.Context, phone, text string) error {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}

	return s.cb.Do(ctx, func(ctx context.Context) error {
		out, err := s.client.Publish(ctx, &sns.PublishInput{
			PhoneNumber:       aws.String(phone),
			Message:           aws.String(text),
			MessageAttributes: attrs,
		})
		if err != nil {
			return fmt.Errorf("sns publish: %w", err)
		}
		s.lg.Debug().Str("sns_message_id", aws.ToString(out.MessageId)).Msg("sms accepted")
		return nil
	})
}

// Log only writes the text to the log.
type Log struct {
	lg zerolog.Logger
}

func NewLog(lg zerolog.Logger) *Log {
	return &Log{lg: lg.With().Str("component", "sms_log").Logger()}
}

func (l *Log) Name() string { return "log" }

func (l *Log) SendSMS(_ context.Context, phone, text string) error {
	l.lg.Info().Str("phone", phone).Str("text", text).Msg("sms")
	return nil
}
