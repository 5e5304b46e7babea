package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:   "s3_sink",
		Inputs: []node.Port{{Name: "in", Payload: model.KindEvent, Required: true}},
		Lane:   node.LaneAsync,
		Sink:   true,
	}, newS3Sink)
}

// s3Sink archives event batches as JSON-lines objects. Objects are
// keyed by upload time so a lifecycle rule can expire them.
type s3Sink struct {
	node.Base
	bucket    string
	prefix    string
	region    string
	endpoint  string
	accessKey string
	secretKey string
	batchSize int

	client *s3.Client
	batch  []model.Event
}

func newS3Sink(id string, cfg map[string]any) (node.Node, error) {
	bucket := stringOr(cfg, "bucket", "")
	if bucket == "" {
		return nil, verrors.New(verrors.CodeSinkWrite, "s3_sink requires a bucket").
			WithContext("node", id)
	}
	caps, _ := node.Default().Caps("s3_sink")
	return &s3Sink{
		Base:      node.Base{NodeID: id, C: caps},
		bucket:    bucket,
		prefix:    stringOr(cfg, "prefix", "events/"),
		region:    stringOr(cfg, "region", ""),
		endpoint:  stringOr(cfg, "endpoint", ""),
		accessKey: stringOr(cfg, "access_key_id", ""),
		secretKey: stringOr(cfg, "secret_access_key", ""),
		batchSize: intOr(cfg, "batch_size", 256),
	}, nil
}

func (s *s3Sink) Setup(ctx context.Context) error {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "load aws config")
	}

	var s3Opts []func(*s3.Options)
	if s.endpoint != "" {
		// S3-compatible stores (MinIO) need the endpoint override and
		// path-style addressing.
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		})
	}
	s.client = s3.NewFromConfig(awsCfg, s3Opts...)
	s.batch = make([]model.Event, 0, s.batchSize)
	return nil
}

func (s *s3Sink) Process(ctx context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	evs := flatten(in["in"])
	if len(evs) == 0 {
		return nil, nil
	}
	s.batch = append(s.batch, evs...)
	if len(s.batch) >= s.batchSize {
		return nil, s.upload(ctx)
	}
	return nil, nil
}

func (s *s3Sink) upload(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range s.batch {
		if err := enc.Encode(ev); err != nil {
			return verrors.Wrap(err, verrors.CodeSinkWrite, "encode event batch")
		}
	}

	key := fmt.Sprintf("%s%s-%06d.jsonl",
		s.prefix,
		time.Now().UTC().Format("20060102T150405"),
		s.batch[0].FrameSeq%1000000)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "upload event batch").
			WithContext("bucket", s.bucket).
			WithContext("key", key)
	}
	s.Count("objects", 1)
	s.Count("archived", int64(len(s.batch)))
	s.batch = s.batch[:0]
	return nil
}

func (s *s3Sink) Teardown() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.upload(ctx)
}
