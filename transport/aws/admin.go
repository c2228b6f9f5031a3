package aws

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/kacey90/horseback/internal/runtime/jsoncodec"
	"github.com/kacey90/horseback/transport"
)

const filterPolicyAttribute = "FilterPolicy"

// SNSAPI is the subset of the SNS client the admin uses.
type SNSAPI interface {
	GetTopicAttributes(ctx context.Context, params *amazonsns.GetTopicAttributesInput, optFns ...func(*amazonsns.Options)) (*amazonsns.GetTopicAttributesOutput, error)
	CreateTopic(ctx context.Context, params *amazonsns.CreateTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.CreateTopicOutput, error)
	ListSubscriptionsByTopic(ctx context.Context, params *amazonsns.ListSubscriptionsByTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.ListSubscriptionsByTopicOutput, error)
	Subscribe(ctx context.Context, params *amazonsns.SubscribeInput, optFns ...func(*amazonsns.Options)) (*amazonsns.SubscribeOutput, error)
	GetSubscriptionAttributes(ctx context.Context, params *amazonsns.GetSubscriptionAttributesInput, optFns ...func(*amazonsns.Options)) (*amazonsns.GetSubscriptionAttributesOutput, error)
	SetSubscriptionAttributes(ctx context.Context, params *amazonsns.SetSubscriptionAttributesInput, optFns ...func(*amazonsns.Options)) (*amazonsns.SetSubscriptionAttributesOutput, error)
}

// SQSAPI is the subset of the SQS client the admin uses.
type SQSAPI interface {
	CreateQueue(ctx context.Context, params *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *amazonsqs.SetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SetQueueAttributesOutput, error)
}

// Admin provisions SNS topics, SQS-backed subscriptions and filter policies.
//
// A subscription without a filter policy receives every message, so the
// catch-all rule is reported while no kind rule exists. Deleting the
// catch-all only takes effect once a kind rule is created, and deleting the
// last kind rule opens the subscription to every kind again.
type Admin struct {
	sns       SNSAPI
	sqs       SQSAPI
	region    string
	accountID string
}

var _ transport.Admin = (*Admin)(nil)

// NewAdmin returns an Admin for topics in region owned by accountID.
func NewAdmin(snsClient SNSAPI, sqsClient SQSAPI, region, accountID string) *Admin {
	return &Admin{sns: snsClient, sqs: sqsClient, region: region, accountID: accountID}
}

// TopicArn returns the ARN of topic.
func (a *Admin) TopicArn(topic string) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s", a.region, a.accountID, topic)
}

func (a *Admin) TopicExists(ctx context.Context, topic string) (bool, error) {
	_, err := a.sns.GetTopicAttributes(ctx, &amazonsns.GetTopicAttributesInput{TopicArn: aws.String(a.TopicArn(topic))})
	var notFound *snstypes.NotFoundException
	if errors.As(err, &notFound) {
		return false, nil
	}
	return err == nil, err
}

func (a *Admin) CreateTopic(ctx context.Context, topic string) error {
	_, err := a.sns.CreateTopic(ctx, &amazonsns.CreateTopicInput{Name: aws.String(topic)})
	return err
}

func (a *Admin) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	arn, err := a.subscriptionArn(ctx, topic, subscription)
	return arn != "", err
}

// CreateSubscription creates the queue, lets the topic deliver to it and
// subscribes it without a filter policy.
func (a *Admin) CreateSubscription(ctx context.Context, topic, subscription string) error {
	created, err := a.sqs.CreateQueue(ctx, &amazonsqs.CreateQueueInput{QueueName: aws.String(subscription)})
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	queueArn, err := a.queueArn(ctx, aws.ToString(created.QueueUrl))
	if err != nil {
		return err
	}

	topicArn := a.TopicArn(topic)
	policy, err := queuePolicy(queueArn, topicArn)
	if err != nil {
		return err
	}
	if _, err := a.sqs.SetQueueAttributes(ctx, &amazonsqs.SetQueueAttributesInput{
		QueueUrl:   created.QueueUrl,
		Attributes: map[string]string{string(sqstypes.QueueAttributeNamePolicy): policy},
	}); err != nil {
		return fmt.Errorf("set queue policy: %w", err)
	}

	_, err = a.sns.Subscribe(ctx, &amazonsns.SubscribeInput{
		TopicArn:              aws.String(topicArn),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueArn),
		ReturnSubscriptionArn: true,
	})
	return err
}

func (a *Admin) Rules(ctx context.Context, topic, subscription string) ([]transport.Rule, error) {
	_, kinds, err := a.filterPolicy(ctx, topic, subscription)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return []transport.Rule{transport.DefaultRule()}, nil
	}
	rules := make([]transport.Rule, 0, len(kinds))
	for _, k := range kinds {
		rules = append(rules, transport.KindRule(k))
	}
	return rules, nil
}

func (a *Admin) CreateRule(ctx context.Context, topic, subscription string, rule transport.Rule) error {
	arn, kinds, err := a.filterPolicy(ctx, topic, subscription)
	if err != nil {
		return err
	}
	if rule.Filter.CatchAll() {
		if len(kinds) == 0 {
			return fmt.Errorf("rule %q: %w", rule.Name, transport.ErrAlreadyExists)
		}
		return a.setFilterPolicy(ctx, arn, nil)
	}
	if rule.Filter.Header != transport.KindHeader {
		return fmt.Errorf("aws: rules can only filter on the %q attribute", transport.KindHeader)
	}
	if slices.Contains(kinds, rule.Filter.Value) {
		return fmt.Errorf("rule %q: %w", rule.Name, transport.ErrAlreadyExists)
	}
	return a.setFilterPolicy(ctx, arn, append(kinds, rule.Filter.Value))
}

func (a *Admin) DeleteRule(ctx context.Context, topic, subscription, name string) error {
	arn, kinds, err := a.filterPolicy(ctx, topic, subscription)
	if err != nil {
		return err
	}
	if name == transport.DefaultRuleName {
		if len(kinds) == 0 {
			return nil
		}
		return fmt.Errorf("rule %q: %w", name, transport.ErrNotFound)
	}
	remaining := slices.DeleteFunc(slices.Clone(kinds), func(k string) bool {
		return transport.RuleName(k) == name
	})
	if len(remaining) == len(kinds) {
		return fmt.Errorf("rule %q: %w", name, transport.ErrNotFound)
	}
	return a.setFilterPolicy(ctx, arn, remaining)
}

type filterPolicyDocument map[string][]string

func (a *Admin) filterPolicy(ctx context.Context, topic, subscription string) (string, []string, error) {
	arn, err := a.subscriptionArn(ctx, topic, subscription)
	if err != nil {
		return "", nil, err
	}
	if arn == "" {
		return "", nil, fmt.Errorf("subscription %q on %q: %w", subscription, topic, transport.ErrNotFound)
	}

	out, err := a.sns.GetSubscriptionAttributes(ctx, &amazonsns.GetSubscriptionAttributesInput{SubscriptionArn: aws.String(arn)})
	if err != nil {
		return "", nil, err
	}
	raw := out.Attributes[filterPolicyAttribute]
	if raw == "" {
		return arn, nil, nil
	}
	var doc filterPolicyDocument
	if err := jsoncodec.Unmarshal([]byte(raw), &doc); err != nil {
		return "", nil, fmt.Errorf("parse filter policy of %q: %w", subscription, err)
	}
	return arn, doc[transport.KindHeader], nil
}

// setFilterPolicy replaces the subscription's policy. No kinds clears it.
func (a *Admin) setFilterPolicy(ctx context.Context, subscriptionArn string, kinds []string) error {
	value := "{}"
	if len(kinds) > 0 {
		data, err := jsoncodec.Marshal(filterPolicyDocument{transport.KindHeader: kinds})
		if err != nil {
			return err
		}
		value = string(data)
	}
	_, err := a.sns.SetSubscriptionAttributes(ctx, &amazonsns.SetSubscriptionAttributesInput{
		SubscriptionArn: aws.String(subscriptionArn),
		AttributeName:   aws.String(filterPolicyAttribute),
		AttributeValue:  aws.String(value),
	})
	return err
}

// subscriptionArn returns the ARN of the SNS subscription delivering topic
// to the subscription's queue, or "" when there is none.
func (a *Admin) subscriptionArn(ctx context.Context, topic, subscription string) (string, error) {
	urlOut, err := a.sqs.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(subscription)})
	var missing *sqstypes.QueueDoesNotExist
	if errors.As(err, &missing) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	queueArn, err := a.queueArn(ctx, aws.ToString(urlOut.QueueUrl))
	if err != nil {
		return "", err
	}

	input := &amazonsns.ListSubscriptionsByTopicInput{TopicArn: aws.String(a.TopicArn(topic))}
	for {
		out, err := a.sns.ListSubscriptionsByTopic(ctx, input)
		var notFound *snstypes.NotFoundException
		if errors.As(err, &notFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		for _, s := range out.Subscriptions {
			if aws.ToString(s.Protocol) == "sqs" && aws.ToString(s.Endpoint) == queueArn {
				return aws.ToString(s.SubscriptionArn), nil
			}
		}
		if out.NextToken == nil {
			return "", nil
		}
		input.NextToken = out.NextToken
	}
}

func (a *Admin) queueArn(ctx context.Context, queueURL string) (string, error) {
	out, err := a.sqs.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", fmt.Errorf("get queue arn: %w", err)
	}
	arn := out.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
	if arn == "" {
		return "", fmt.Errorf("queue %q has no arn", queueURL)
	}
	return arn, nil
}

func queuePolicy(queueArn, topicArn string) (string, error) {
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueArn,
			"Condition": map[string]any{
				"ArnEquals": map[string]string{"aws:SourceArn": topicArn},
			},
		}},
	}
	data, err := jsoncodec.Marshal(policy)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
