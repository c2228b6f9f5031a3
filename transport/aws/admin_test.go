package aws

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacey90/horseback/transport"
)

const (
	testRegion  = "eu-west-1"
	testAccount = "123456789012"
)

func TestAdminLifecycle(t *testing.T) {
	ctx := context.Background()
	snsFake, sqsFake := newFakeSNS(), newFakeSQS()
	admin := NewAdmin(snsFake, sqsFake, testRegion, testAccount)

	exists, err := admin.TopicExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, admin.CreateTopic(ctx, "orders"))
	exists, err = admin.TopicExists(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = admin.SubscriptionExists(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, admin.CreateSubscription(ctx, "orders", "svc"))
	exists, err = admin.SubscriptionExists(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Contains(t, sqsFake.policies["svc"], "arn:aws:sns:eu-west-1:123456789012:orders")

	rules, err := admin.Rules(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.Equal(t, []transport.Rule{transport.DefaultRule()}, rules, "no filter policy is the catch-all")

	require.NoError(t, admin.DeleteRule(ctx, "orders", "svc", transport.DefaultRuleName))
	require.NoError(t, admin.CreateRule(ctx, "orders", "svc", transport.KindRule("OrderSent")))
	require.NoError(t, admin.CreateRule(ctx, "orders", "svc", transport.KindRule("OrderCancelled")))
	assert.ErrorIs(t, admin.CreateRule(ctx, "orders", "svc", transport.KindRule("OrderSent")), transport.ErrAlreadyExists)

	rules, err = admin.Rules(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.Equal(t, []transport.Rule{transport.KindRule("OrderSent"), transport.KindRule("OrderCancelled")}, rules)
	assert.JSONEq(t, `{"kind":["OrderSent","OrderCancelled"]}`, snsFake.onlyFilterPolicy())

	require.NoError(t, admin.DeleteRule(ctx, "orders", "svc", "OrderCancelled_Rule"))
	assert.JSONEq(t, `{"kind":["OrderSent"]}`, snsFake.onlyFilterPolicy())
	assert.ErrorIs(t, admin.DeleteRule(ctx, "orders", "svc", "Missing_Rule"), transport.ErrNotFound)
}

func TestAdminRulesOnMissingSubscription(t *testing.T) {
	admin := NewAdmin(newFakeSNS(), newFakeSQS(), testRegion, testAccount)
	_, err := admin.Rules(context.Background(), "orders", "svc")
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestAdminRejectsNonKindFilters(t *testing.T) {
	ctx := context.Background()
	admin := NewAdmin(newFakeSNS(), newFakeSQS(), testRegion, testAccount)
	require.NoError(t, admin.CreateTopic(ctx, "orders"))
	require.NoError(t, admin.CreateSubscription(ctx, "orders", "svc"))

	err := admin.CreateRule(ctx, "orders", "svc", transport.Rule{Name: "x", Filter: transport.Filter{Header: "region", Value: "eu"}})
	assert.Error(t, err)
}

type fakeSNS struct {
	mu            sync.Mutex
	topics        map[string]bool
	subscriptions map[string][]snstypes.Subscription
	attributes    map[string]map[string]string
}

func newFakeSNS() *fakeSNS {
	return &fakeSNS{
		topics:        make(map[string]bool),
		subscriptions: make(map[string][]snstypes.Subscription),
		attributes:    make(map[string]map[string]string),
	}
}

func (f *fakeSNS) onlyFilterPolicy() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, attrs := range f.attributes {
		return attrs[filterPolicyAttribute]
	}
	return ""
}

func (f *fakeSNS) GetTopicAttributes(ctx context.Context, in *amazonsns.GetTopicAttributesInput, _ ...func(*amazonsns.Options)) (*amazonsns.GetTopicAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.topics[aws.ToString(in.TopicArn)] {
		return nil, &snstypes.NotFoundException{Message: aws.String("Topic does not exist")}
	}
	return &amazonsns.GetTopicAttributesOutput{}, nil
}

func (f *fakeSNS) CreateTopic(ctx context.Context, in *amazonsns.CreateTopicInput, _ ...func(*amazonsns.Options)) (*amazonsns.CreateTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := fmt.Sprintf("arn:aws:sns:%s:%s:%s", testRegion, testAccount, aws.ToString(in.Name))
	f.topics[arn] = true
	return &amazonsns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
}

func (f *fakeSNS) ListSubscriptionsByTopic(ctx context.Context, in *amazonsns.ListSubscriptionsByTopicInput, _ ...func(*amazonsns.Options)) (*amazonsns.ListSubscriptionsByTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.ToString(in.TopicArn)
	if !f.topics[arn] {
		return nil, &snstypes.NotFoundException{Message: aws.String("Topic does not exist")}
	}
	return &amazonsns.ListSubscriptionsByTopicOutput{Subscriptions: f.subscriptions[arn]}, nil
}

func (f *fakeSNS) Subscribe(ctx context.Context, in *amazonsns.SubscribeInput, _ ...func(*amazonsns.Options)) (*amazonsns.SubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	topicArn := aws.ToString(in.TopicArn)
	subArn := topicArn + ":" + aws.ToString(in.Endpoint)
	f.subscriptions[topicArn] = append(f.subscriptions[topicArn], snstypes.Subscription{
		TopicArn:        in.TopicArn,
		Protocol:        in.Protocol,
		Endpoint:        in.Endpoint,
		SubscriptionArn: aws.String(subArn),
	})
	f.attributes[subArn] = map[string]string{}
	return &amazonsns.SubscribeOutput{SubscriptionArn: aws.String(subArn)}, nil
}

func (f *fakeSNS) GetSubscriptionAttributes(ctx context.Context, in *amazonsns.GetSubscriptionAttributesInput, _ ...func(*amazonsns.Options)) (*amazonsns.GetSubscriptionAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs := make(map[string]string)
	for k, v := range f.attributes[aws.ToString(in.SubscriptionArn)] {
		attrs[k] = v
	}
	return &amazonsns.GetSubscriptionAttributesOutput{Attributes: attrs}, nil
}

func (f *fakeSNS) SetSubscriptionAttributes(ctx context.Context, in *amazonsns.SetSubscriptionAttributesInput, _ ...func(*amazonsns.Options)) (*amazonsns.SetSubscriptionAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value := aws.ToString(in.AttributeValue)
	if value == "{}" {
		delete(f.attributes[aws.ToString(in.SubscriptionArn)], aws.ToString(in.AttributeName))
	} else {
		f.attributes[aws.ToString(in.SubscriptionArn)][aws.ToString(in.AttributeName)] = value
	}
	return &amazonsns.SetSubscriptionAttributesOutput{}, nil
}

type fakeSQS struct {
	mu       sync.Mutex
	queues   map[string]bool
	policies map[string]string
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: make(map[string]bool), policies: make(map[string]string)}
}

func queueURL(name string) string {
	return "https://sqs." + testRegion + ".amazonaws.com/" + testAccount + "/" + name
}

func queueNameFromURL(url string) string {
	return url[len(queueURL("")):]
}

func (f *fakeSQS) CreateQueue(ctx context.Context, in *amazonsqs.CreateQueueInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[aws.ToString(in.QueueName)] = true
	return &amazonsqs.CreateQueueOutput{QueueUrl: aws.String(queueURL(aws.ToString(in.QueueName)))}, nil
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, in *amazonsqs.GetQueueUrlInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.queues[aws.ToString(in.QueueName)] {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}
	return &amazonsqs.GetQueueUrlOutput{QueueUrl: aws.String(queueURL(aws.ToString(in.QueueName)))}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, in *amazonsqs.GetQueueAttributesInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error) {
	name := queueNameFromURL(aws.ToString(in.QueueUrl))
	return &amazonsqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(sqstypes.QueueAttributeNameQueueArn): fmt.Sprintf("arn:aws:sqs:%s:%s:%s", testRegion, testAccount, name),
	}}, nil
}

func (f *fakeSQS) SetQueueAttributes(ctx context.Context, in *amazonsqs.SetQueueAttributesInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.SetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[queueNameFromURL(aws.ToString(in.QueueUrl))] = in.Attributes[string(sqstypes.QueueAttributeNamePolicy)]
	return &amazonsqs.SetQueueAttributesOutput{}, nil
}
