package pub

import (
	"context"
	"os"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/goccy/go-json"
)

// MaxSNSBlobBytes keeps image events under the SNS message size limit once base64 encoded.
const MaxSNSBlobBytes = 160 << 10

// SNSAPI is the part of *sns.Client the publisher needs.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher sends every change event to one topic as a JSON message.
type SNSPublisher struct {
	cli SNSAPI
	arn string
}

var _ ports.Notifier = (*SNSPublisher)(nil)

func NewSNS(c SNSAPI, topicArn string) *SNSPublisher { return &SNSPublisher{cli: c, arn: topicArn} }

type snsMessage struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Value    string `json:"value,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
	BlobSize int    `json:"blob_size,omitempty"`
}

func (s *SNSPublisher) Notify(ctx context.Context, ev types.ChangeEvent) error {
	msg := snsMessage{Key: ev.Key, Type: ev.Type.String(), Value: ev.Value, BlobSize: len(ev.Blob)}
	// Oversized images are announced without their bytes.
	if len(ev.Blob) <= MaxSNSBlobBytes {
		msg.Blob = ev.Blob
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.PublishRaw(ctx, b, ev.Type.String())
}

func (s *SNSPublisher) PublishRaw(ctx context.Context, payload []byte, configType string) error {
	_, err := s.cli.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.arn),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"content-type": {DataType: aws.String("String"), StringValue: aws.String("application/json")},
			"config-type":  {DataType: aws.String("String"), StringValue: aws.String(configType)},
		},
	})
	return err
}

// SNSClientFromEnv builds an SNS client from the default AWS config. When SNS_ENDPOINT is set
// (local testing), static test credentials are used against that endpoint.
func SNSClientFromEnv(ctx context.Context) (*sns.Client, error) {
	var snsEndpoint *string
	if se := os.Getenv("SNS_ENDPOINT"); se != "" {
		snsEndpoint = aws.String(se)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if snsEndpoint != nil {
			o.BaseEndpoint = snsEndpoint
			if o.Region == "" {
				o.Region = "us-east-1"
			}
			o.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
		}
	}), nil
}
