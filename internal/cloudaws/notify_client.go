package cloudaws

import (
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"strings"
	"time"
)

var (
	// ErrTopicNotFound is returned when no SNS topic has the configured name
	ErrTopicNotFound = errors.New("sns topic not found")
)

type snsAPI interface {
	ListTopics(ctx context.Context, params *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
	ListSubscriptionsByTopic(ctx context.Context, params *sns.ListSubscriptionsByTopicInput, optFns ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NotifyClient sends package notifications to an SNS topic
type NotifyClient struct {
	snsClient snsAPI
	topic     string
	region    string
}

// NewNotifyClient provides an initialized NotifyClient for the topic with this name
func NewNotifyClient(topic, region string) (*NotifyClient, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default aws config: %w", err)
	}

	if err := checkSNSAccess(cfg); err != nil {
		return nil, err
	}

	return &NotifyClient{
		snsClient: sns.NewFromConfig(cfg),
		topic:     topic,
		region:    region,
	}, nil
}

func (c *NotifyClient) topicArn(ctx context.Context) (string, error) {
	resp, err := c.snsClient.ListTopics(ctx, &sns.ListTopicsInput{NextToken: aws.String("")})
	if err != nil {
		return "", fmt.Errorf("failed to list sns topics: %w", err)
	}
	for _, topic := range resp.Topics {
		arn := aws.ToString(topic.TopicArn)
		fields := strings.Split(arn, ":")
		if len(fields) > 5 && fields[5] == c.topic {
			return arn, nil
		}
	}
	return "", fmt.Errorf("'%v': %w", c.topic, ErrTopicNotFound)
}

// Subscribe subscribes email to the topic. If subscribe happens, returns true, otherwise false.
func (c *NotifyClient) Subscribe(ctx context.Context, email string) (bool, error) {
	arn, err := c.topicArn(ctx)
	if err != nil {
		return false, err
	}
	resp, err := c.snsClient.ListSubscriptionsByTopic(ctx, &sns.ListSubscriptionsByTopicInput{
		NextToken: aws.String(""),
		TopicArn:  aws.String(arn),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list SNS subscriptions for topic %v: %w", arn, err)
	}

	// if subscription already exists return
	for _, subscription := range resp.Subscriptions {
		if aws.ToString(subscription.Endpoint) == email {
			return false, nil
		}
	}

	_, err = c.snsClient.Subscribe(ctx, &sns.SubscribeInput{
		Protocol: aws.String("email"),
		TopicArn: aws.String(arn),
		Endpoint: aws.String(email),
	})
	if err != nil {
		return false, fmt.Errorf("failed to setup email notifications: %w", err)
	}
	return true, nil
}

// Notify publishes a message to the topic
func (c *NotifyClient) Notify(ctx context.Context, subject, message string) error {
	arn, err := c.topicArn(ctx)
	if err != nil {
		return err
	}
	_, err = c.snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(arn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %v: %w", arn, err)
	}
	return nil
}

func checkSNSAccess(cfg aws.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	snsClient := sns.NewFromConfig(cfg)
	_, err := snsClient.ListTopics(ctx, &sns.ListTopicsInput{NextToken: aws.String("")})
	if err != nil {
		return fmt.Errorf("unable to list SNS topics - make sure you have valid AWS credentials: %w", err)
	}
	return nil
}
