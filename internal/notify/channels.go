package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/bus"
	"github.com/vaivahik/realtime/internal/circuitbreaker"
	"github.com/vaivahik/realtime/internal/db"
)

// Channel is one delivery mechanism for a notification.
type Channel interface {
	Name() string
	Send(ctx context.Context, event bus.Event, rendered Rendered) error
}

// InAppRepository is the slice of the data layer the in-app channel needs.
type InAppRepository interface {
	CreateInAppNotification(ctx context.Context, n *db.InAppNotification) error
}

// InAppChannel persists a durable notification row the client fetches over
// HTTP. This is the only channel every priority tier includes.
type InAppChannel struct {
	repo   InAppRepository
	logger *zap.Logger
}

// NewInAppChannel creates the in-app channel.
func NewInAppChannel(repo InAppRepository, logger *zap.Logger) *InAppChannel {
	return &InAppChannel{repo: repo, logger: logger}
}

func (c *InAppChannel) Name() string { return ChannelInApp }

func (c *InAppChannel) Send(ctx context.Context, event bus.Event, rendered Rendered) error {
	n := &db.InAppNotification{
		ID:          uuid.New(),
		UserID:      event.UserID,
		Type:        event.Type,
		Title:       rendered.Title,
		Body:        rendered.Body,
		Metadata:    event.Metadata,
		DeliveredAt: time.Now(),
	}

	if err := c.repo.CreateInAppNotification(ctx, n); err != nil {
		return fmt.Errorf("in-app delivery: %w", err)
	}

	return nil
}

// sesAPI is the slice of the SES client the email channel calls.
type sesAPI interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// ContactRepository resolves the recipient address for the email channel.
type ContactRepository interface {
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// EmailChannel sends notification email via AWS SES, guarded by a circuit
// breaker so a SES outage fails fast instead of stalling every attempt.
type EmailChannel struct {
	client   sesAPI
	contacts ContactRepository
	breaker  *circuitbreaker.CircuitBreaker
	from     string
	logger   *zap.Logger
}

// EmailConfig holds email channel settings.
type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailChannel creates the email channel with a real SES client.
func NewEmailChannel(ctx context.Context, cfg EmailConfig, contacts ContactRepository, logger *zap.Logger) (*EmailChannel, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SES: %w", err)
	}

	return &EmailChannel{
		client:   ses.NewFromConfig(awsCfg),
		contacts: contacts,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger),
		from:     cfg.FromEmail,
		logger:   logger,
	}, nil
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, event bus.Event, rendered Rendered) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("email delivery: %w", circuitbreaker.ErrCircuitOpen)
	}

	to, err := c.contacts.GetUserEmail(ctx, event.UserID)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("resolve recipient email: %w", err)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(c.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{to},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{
				Data:    aws.String(rendered.emailSubject()),
				Charset: aws.String("UTF-8"),
			},
			Body: &sestypes.Body{
				Text: &sestypes.Content{
					Data:    aws.String(rendered.emailBody()),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := c.client.SendEmail(ctx, input)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("ses send failed: %w", err)
	}
	c.breaker.RecordSuccess()

	c.logger.Info("email sent via SES",
		zap.String("user_id", event.UserID.String()),
		zap.String("event_type", event.Type),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// snsAPI is the slice of the SNS client the push channel calls.
type snsAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// DeviceRepository lists the push endpoints registered for a user.
type DeviceRepository interface {
	ListDeviceTokensByUser(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error)
}

// PushChannel fans a notification out to every device endpoint registered
// for the user via AWS SNS. A user with no registered devices is a no-op,
// not an error.
type PushChannel struct {
	client  snsAPI
	devices DeviceRepository
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// PushConfig holds push channel settings.
type PushConfig struct {
	Region string
}

// NewPushChannel creates the push channel with a real SNS client.
func NewPushChannel(ctx context.Context, cfg PushConfig, devices DeviceRepository, logger *zap.Logger) (*PushChannel, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	return &PushChannel{
		client:  sns.NewFromConfig(awsCfg),
		devices: devices,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger),
		logger:  logger,
	}, nil
}

func (c *PushChannel) Name() string { return ChannelPush }

func (c *PushChannel) Send(ctx context.Context, event bus.Event, rendered Rendered) error {
	tokens, err := c.devices.ListDeviceTokensByUser(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("list device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	if !c.breaker.Allow() {
		return fmt.Errorf("push delivery: %w", circuitbreaker.ErrCircuitOpen)
	}

	var firstErr error
	sent := 0
	for _, t := range tokens {
		input := &sns.PublishInput{
			TargetArn: aws.String(t.EndpointARN),
			Subject:   aws.String(rendered.Title),
			Message:   aws.String(rendered.Body),
		}

		if _, err := c.client.Publish(ctx, input); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.logger.Warn("push send failed for device",
				zap.Error(err),
				zap.String("user_id", event.UserID.String()),
				zap.String("token", t.Token),
			)
			continue
		}
		sent++
	}

	// One reachable device is enough to call the push delivered.
	if sent == 0 && firstErr != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("sns publish failed: %w", firstErr)
	}
	c.breaker.RecordSuccess()

	c.logger.Info("push sent",
		zap.String("user_id", event.UserID.String()),
		zap.String("event_type", event.Type),
		zap.Int("devices", sent),
	)

	return nil
}

// snsProvisionAPI is the slice of the SNS client the provisioner calls.
type snsProvisionAPI interface {
	CreatePlatformEndpoint(ctx context.Context, input *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
}

// EndpointProvisioner exchanges a raw device token for an SNS platform
// endpoint ARN at registration time, so the push channel can publish to the
// device directly.
type EndpointProvisioner struct {
	client      snsProvisionAPI
	platformARN string
	logger      *zap.Logger
}

// NewEndpointProvisioner creates a provisioner bound to one platform
// application.
func NewEndpointProvisioner(ctx context.Context, region, platformARN string, logger *zap.Logger) (*EndpointProvisioner, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	return &EndpointProvisioner{
		client:      sns.NewFromConfig(awsCfg),
		platformARN: platformARN,
		logger:      logger,
	}, nil
}

// Provision registers the device token with the platform application and
// returns the endpoint ARN. Re-registering the same token returns the
// existing endpoint.
func (p *EndpointProvisioner) Provision(ctx context.Context, token string) (string, error) {
	out, err := p.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(p.platformARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", fmt.Errorf("create platform endpoint: %w", err)
	}

	arn := aws.ToString(out.EndpointArn)
	p.logger.Info("push endpoint provisioned", zap.String("endpoint_arn", arn))
	return arn, nil
}

// LogChannel logs instead of delivering. It stands in for email or push in
// development environments without AWS credentials.
type LogChannel struct {
	name   string
	logger *zap.Logger
}

// NewLogChannel creates a logging stand-in for the named channel.
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	return &LogChannel{name: name, logger: logger}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(ctx context.Context, event bus.Event, rendered Rendered) error {
	c.logger.Info("logging notification (development mode)",
		zap.String("channel", c.name),
		zap.String("user_id", event.UserID.String()),
		zap.String("event_type", event.Type),
		zap.String("title", rendered.Title),
	)
	return nil
}
