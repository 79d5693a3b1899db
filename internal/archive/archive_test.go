package archive

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"

	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/model"
)

type fakeUploader struct {
	bucket string
	key    string
	calls  int
}

func (f *fakeUploader) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket = *params.Bucket
	f.key = *params.Key
	f.calls++
	return &s3.PutObjectOutput{}, nil
}

func TestUploadOutboxEvents(t *testing.T) {
	config.MockConfig(&config.Configuration{
		Outbox: config.OutboxConfig{ArchiveBucket: "lessonbook-archive", ArchiveRegion: "eu-west-1"},
	})

	fake := &fakeUploader{}
	orig := newUploader
	newUploader = func(context.Context, *config.Configuration) (uploader, error) {
		return fake, nil
	}
	defer func() { newUploader = orig }()

	evt, err := model.NewOutboxEvent(model.EventPaymentSucceeded, "payment", "pay_1", "saga_1", nil)
	assert.NoError(t, err)

	key, err := UploadOutboxEvents(context.Background(), []*model.OutboxEvent{evt})
	assert.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, "lessonbook-archive", fake.bucket)
	assert.True(t, strings.HasPrefix(key, "outbox/"))
	assert.True(t, strings.HasSuffix(key, ".jsonl"))
}

func TestUploadOutboxEventsNotConfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{})

	_, err := UploadOutboxEvents(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
