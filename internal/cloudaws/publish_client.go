package cloudaws

import (
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"
	"os"
	"path"
	"time"
)

type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PublishClient uploads packages to an S3 bucket
type PublishClient struct {
	s3Client s3API
	bucket   string
	region   string
	prefix   string
}

// NewPublishClient returns an initialized PublishClient. Objects are stored under prefix.
func NewPublishClient(bucket, region, prefix string) (*PublishClient, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default aws config: %w", err)
	}

	if err := checkS3Access(cfg); err != nil {
		return nil, err
	}

	return &PublishClient{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
		region:   region,
		prefix:   prefix,
	}, nil
}

// Setup creates the bucket if it does not exist yet
func (c *PublishClient) Setup(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket})
	if err == nil {
		return nil
	}
	var notFound *s3types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("unknown S3 error: %w", err)
	}

	bucketInput := &s3.CreateBucketInput{
		Bucket: &c.bucket,
	}
	if c.region != "us-east-1" {
		bucketInput.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(c.region),
		}
	}

	log.Infof("creating S3 bucket %v", c.bucket)
	output, err := c.s3Client.CreateBucket(ctx, bucketInput)
	if err != nil {
		return fmt.Errorf("failed to create bucket %v - note that this bucket name must be globally unique: output:%v err:%w", c.bucket, output, err)
	}
	return nil
}

// Publish uploads the package at file and returns its s3:// location. metadata is attached
// to the object as user metadata.
func (c *PublishClient) Publish(ctx context.Context, file string, metadata map[string]string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := path.Join(c.prefix, path.Base(file))
	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(c.bucket),
		Key:                  aws.String(key),
		ACL:                  s3types.ObjectCannedACLPrivate,
		Body:                 f,
		ContentLength:        info.Size(),
		ContentType:          aws.String("application/zip"),
		ContentDisposition:   aws.String("attachment"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata:             metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %v to bucket %v: %w", file, c.bucket, err)
	}
	location := fmt.Sprintf("s3://%v/%v", c.bucket, key)
	log.Infof("uploaded %v", location)
	return location, nil
}

func checkS3Access(cfg aws.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	s3Client := s3.NewFromConfig(cfg)
	_, err := s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return fmt.Errorf("unable to list S3 buckets - make sure you have valid AWS credentials: %w", err)
	}
	return nil
}
