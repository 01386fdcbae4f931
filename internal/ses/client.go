// Package ses implements the mail transport on AWS SES v2.
package ses

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/ignite/email-relay/internal/config"
	"github.com/ignite/email-relay/internal/mailer"
)

// Client is an AWS SES v2 transport
type Client struct {
	client    *sesv2.Client
	fromEmail string
	fromName  string
}

// NewClient creates a new SES transport client
func NewClient(ctx context.Context, cfg appconfig.SESConfig) (*Client, error) {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKey,
		cfg.SecretKey,
		"", // session token (empty for static creds)
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Client{
		client:    sesv2.NewFromConfig(awsCfg),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}, nil
}

// buildMessage assembles the SES message body with decoded attachments.
func buildMessage(env mailer.Envelope) (*types.Message, error) {
	message := &types.Message{
		Subject: &types.Content{
			Data:    aws.String(env.Subject),
			Charset: aws.String("UTF-8"),
		},
		Body: &types.Body{
			Html: &types.Content{
				Data:    aws.String(env.HTML),
				Charset: aws.String("UTF-8"),
			},
		},
	}

	for _, a := range env.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("decode attachment %s: %w", a.Filename, err)
		}
		message.Attachments = append(message.Attachments, types.Attachment{
			FileName:   aws.String(a.Filename),
			RawContent: content,
		})
	}
	return message, nil
}

// formatFrom builds the From header, with a display name when configured.
func formatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// Send delivers one message and returns the SES message id.
func (c *Client) Send(ctx context.Context, env mailer.Envelope) (string, error) {
	message, err := buildMessage(env)
	if err != nil {
		return "", err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(c.fromName, c.fromEmail)),
		Destination: &types.Destination{
			ToAddresses:  env.To,
			CcAddresses:  env.CC,
			BccAddresses: env.BCC,
		},
		Content: &types.EmailContent{Simple: message},
	}

	output, err := c.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}

	return aws.ToString(output.MessageId), nil
}
