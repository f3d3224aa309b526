package cloudaws

import (
	"context"
	"errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"path/filepath"
	"testing"
)

var errAPI = errors.New("api error")

type fakeS3 struct {
	headErr   error
	createErr error
	putErr    error
	created   *s3.CreateBucketInput
	put       *s3.PutObjectInput
	body      []byte
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = in
	return &s3.CreateBucketOutput{}, f.createErr
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.put = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, f.putErr
}

func TestPublishClient_Setup(t *testing.T) {
	tests := map[string]struct {
		region         string
		headErr        error
		createErr      error
		expectCreate   bool
		expectLocation bool
		expectedErr    error
	}{
		"bucket exists": {
			region: "us-west-2",
		},
		"bucket created with location": {
			region:         "us-west-2",
			headErr:        &s3types.NotFound{},
			expectCreate:   true,
			expectLocation: true,
		},
		"bucket created in us-east-1": {
			region:       "us-east-1",
			headErr:      &s3types.NotFound{},
			expectCreate: true,
		},
		"unknown head error": {
			region:      "us-west-2",
			headErr:     errAPI,
			expectedErr: errAPI,
		},
		"create error": {
			region:       "us-west-2",
			headErr:      &s3types.NotFound{},
			createErr:    errAPI,
			expectCreate: true,
			expectedErr:  errAPI,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fake := &fakeS3{headErr: tc.headErr, createErr: tc.createErr}
			c := &PublishClient{s3Client: fake, bucket: "ota-bucket", region: tc.region}
			err := c.Setup(context.Background())
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Equal(t, tc.expectCreate, fake.created != nil)
			if fake.created != nil {
				assert.Equal(t, tc.expectLocation, fake.created.CreateBucketConfiguration != nil)
			}
		})
	}
}

func TestPublishClient_Publish(t *testing.T) {
	file := filepath.Join(t.TempDir(), "walleye-ota.zip")
	require.NoError(t, os.WriteFile(file, []byte("package"), 0644))

	tests := map[string]struct {
		prefix           string
		putErr           error
		expectedLocation string
		expectedErr      error
	}{
		"with prefix": {
			prefix:           "walleye/release",
			expectedLocation: "s3://ota-bucket/walleye/release/walleye-ota.zip",
		},
		"without prefix": {
			expectedLocation: "s3://ota-bucket/walleye-ota.zip",
		},
		"upload error": {
			putErr:      errAPI,
			expectedErr: errAPI,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fake := &fakeS3{putErr: tc.putErr}
			c := &PublishClient{s3Client: fake, bucket: "ota-bucket", region: "us-west-2", prefix: tc.prefix}
			location, err := c.Publish(context.Background(), file, map[string]string{"post-build": "fp"})
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Equal(t, tc.expectedLocation, location)
			require.NotNil(t, fake.put)
			assert.Equal(t, "package", string(fake.body))
			assert.Equal(t, int64(7), fake.put.ContentLength)
			assert.Equal(t, "fp", fake.put.Metadata["post-build"])
		})
	}
}

type fakeSNS struct {
	topics        []string
	subscriptions []string
	listErr       error
	subscribed    *sns.SubscribeInput
	published     *sns.PublishInput
}

func (f *fakeSNS) ListTopics(context.Context, *sns.ListTopicsInput, ...func(*sns.Options)) (*sns.ListTopicsOutput, error) {
	out := &sns.ListTopicsOutput{}
	for _, arn := range f.topics {
		out.Topics = append(out.Topics, snstypes.Topic{TopicArn: aws.String(arn)})
	}
	return out, f.listErr
}

func (f *fakeSNS) ListSubscriptionsByTopic(context.Context, *sns.ListSubscriptionsByTopicInput, ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error) {
	out := &sns.ListSubscriptionsByTopicOutput{}
	for _, endpoint := range f.subscriptions {
		out.Subscriptions = append(out.Subscriptions, snstypes.Subscription{Endpoint: aws.String(endpoint)})
	}
	return out, nil
}

func (f *fakeSNS) Subscribe(_ context.Context, in *sns.SubscribeInput, _ ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	f.subscribed = in
	return &sns.SubscribeOutput{}, nil
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.published = in
	return &sns.PublishOutput{}, nil
}

const topicArn = "arn:aws:sns:us-west-2:123456789012:ota-releases"

func TestNotifyClient_Subscribe(t *testing.T) {
	tests := map[string]struct {
		topics        []string
		subscriptions []string
		expected      bool
		expectedErr   error
	}{
		"subscribes new email": {
			topics:   []string{"arn:aws:sns:us-west-2:123456789012:other", topicArn},
			expected: true,
		},
		"already subscribed": {
			topics:        []string{topicArn},
			subscriptions: []string{"user@example.com"},
		},
		"topic missing": {
			topics:      []string{"arn:aws:sns:us-west-2:123456789012:other"},
			expectedErr: ErrTopicNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fake := &fakeSNS{topics: tc.topics, subscriptions: tc.subscriptions}
			c := &NotifyClient{snsClient: fake, topic: "ota-releases", region: "us-west-2"}
			subscribed, err := c.Subscribe(context.Background(), "user@example.com")
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.Equal(t, tc.expected, subscribed)
			if tc.expected {
				assert.Equal(t, topicArn, aws.ToString(fake.subscribed.TopicArn))
				assert.Equal(t, "email", aws.ToString(fake.subscribed.Protocol))
			}
		})
	}
}

func TestNotifyClient_Notify(t *testing.T) {
	tests := map[string]struct {
		listErr     error
		expectedErr error
	}{
		"publishes": {},
		"list error": {
			listErr:     errAPI,
			expectedErr: errAPI,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fake := &fakeSNS{topics: []string{topicArn}, listErr: tc.listErr}
			c := &NotifyClient{snsClient: fake, topic: "ota-releases", region: "us-west-2"}
			err := c.Notify(context.Background(), "subject", "message")
			assert.ErrorIs(t, err, tc.expectedErr)
			if tc.expectedErr == nil {
				require.NotNil(t, fake.published)
				assert.Equal(t, topicArn, aws.ToString(fake.published.TopicArn))
				assert.Equal(t, "message", aws.ToString(fake.published.Message))
			}
		})
	}
}

func TestIsSupportedRegion(t *testing.T) {
	assert.True(t, IsSupportedRegion("us-west-2"))
	assert.False(t, IsSupportedRegion("moon-1"))
	assert.Contains(t, GetSupportedRegions(), "eu-west-1")
}
