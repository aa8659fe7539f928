package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/herald/internal/notify"
)

// PushAPI is the subset of the SNS client used for mobile push.
type PushAPI interface {
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	SetEndpointAttributes(ctx context.Context, in *sns.SetEndpointAttributesInput, optFns ...func(*sns.Options)) (*sns.SetEndpointAttributesOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// PushConfig configures the SNS mobile push sender.
type PushConfig struct {
	PlatformApplicationARN string
	RatePerSec             int
	Concurrency            int
}

// PushSender delivers push notifications through SNS platform endpoints.
// SNS has no multicast call, so SendMulticast publishes to each token's
// endpoint concurrently under a shared rate limit.
type PushSender struct {
	client    PushAPI
	appARN    string
	limiter   *rate.Limiter
	workers   int
	endpoints sync.Map // token -> endpoint ARN
	logger    *zap.Logger
}

// NewPushSender creates a push sender for one platform application.
func NewPushSender(client PushAPI, cfg PushConfig, logger *zap.Logger) *PushSender {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 50
	}
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 16
	}
	return &PushSender{
		client:  client,
		appARN:  cfg.PlatformApplicationARN,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		workers: workers,
		logger:  logger,
	}
}

// SendMulticast publishes msg to every token. Rejected tokens come back as
// failed responses; throttling and network errors are marked transient.
// If no token could be attempted at all the call itself fails.
func (s *PushSender) SendMulticast(ctx context.Context, tokens []string, msg notify.PushMessage) ([]notify.SendResponse, error) {
	if s.appARN == "" {
		return nil, errors.New("push platform application ARN is not configured")
	}

	payload, err := encodePush(msg)
	if err != nil {
		return nil, err
	}

	responses := make([]notify.SendResponse, len(tokens))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, token := range tokens {
		g.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				responses[i] = notify.SendResponse{Transient: true, Error: err}
				return nil
			}
			responses[i] = s.publish(ctx, token, payload)
			return nil
		})
	}
	_ = g.Wait()

	transient := 0
	var last error
	for _, r := range responses {
		if r.Transient {
			transient++
			last = r.Error
		}
	}
	if len(tokens) > 0 && transient == len(tokens) {
		return nil, fmt.Errorf("sns push unavailable: %w", last)
	}

	return responses, nil
}

func (s *PushSender) publish(ctx context.Context, token, payload string) notify.SendResponse {
	arn, err := s.endpoint(ctx, token)
	if err != nil {
		return classify(err)
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(arn),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		if errors.As(err, &disabled) {
			s.endpoints.Delete(token)
		}
		return classify(err)
	}

	return notify.SendResponse{Success: true}
}

// endpoint returns the platform endpoint ARN for token, creating it on
// first use. CreatePlatformEndpoint returns the existing endpoint for a
// known token with its attributes untouched, so a disabled endpoint stays
// disabled until it is re-enabled here. Only tokens the registry still
// holds active reach this point.
func (s *PushSender) endpoint(ctx context.Context, token string) (string, error) {
	if arn, ok := s.endpoints.Load(token); ok {
		return arn.(string), nil
	}

	out, err := s.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(s.appARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", fmt.Errorf("create endpoint: %w", err)
	}

	arn := aws.ToString(out.EndpointArn)
	_, err = s.client.SetEndpointAttributes(ctx, &sns.SetEndpointAttributesInput{
		EndpointArn: aws.String(arn),
		Attributes: map[string]string{
			"Enabled": "true",
			"Token":   token,
		},
	})
	if err != nil {
		return "", fmt.Errorf("enable endpoint: %w", err)
	}

	s.endpoints.Store(token, arn)
	return arn, nil
}

// classify separates token rejections from provider-side failures.
func classify(err error) notify.SendResponse {
	var (
		disabled *types.EndpointDisabledException
		invalid  *types.InvalidParameterException
		notFound *types.NotFoundException
	)
	if errors.As(err, &disabled) || errors.As(err, &invalid) || errors.As(err, &notFound) {
		return notify.SendResponse{Error: err}
	}
	return notify.SendResponse{Transient: true, Error: err}
}

type gcmPayload struct {
	Notification map[string]string `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type apnsPayload struct {
	APS  apsBody           `json:"aps"`
	Data map[string]string `json:"data,omitempty"`
}

type apsBody struct {
	Alert          map[string]string `json:"alert"`
	Sound          string            `json:"sound,omitempty"`
	MutableContent int               `json:"mutable-content,omitempty"`
}

// encodePush renders msg in the SNS per-platform JSON message structure.
func encodePush(msg notify.PushMessage) (string, error) {
	notification := map[string]string{"title": msg.Title, "body": msg.Body}
	if msg.ImageURL != "" {
		notification["image"] = msg.ImageURL
	}

	gcm, err := json.Marshal(gcmPayload{Notification: notification, Data: msg.Data})
	if err != nil {
		return "", fmt.Errorf("encode gcm payload: %w", err)
	}

	aps := apsBody{
		Alert: map[string]string{"title": msg.Title, "body": msg.Body},
		Sound: "default",
	}
	if msg.ImageURL != "" {
		aps.MutableContent = 1
	}
	apns, err := json.Marshal(apnsPayload{APS: aps, Data: msg.Data})
	if err != nil {
		return "", fmt.Errorf("encode apns payload: %w", err)
	}

	out, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("encode push message: %w", err)
	}
	return string(out), nil
}
