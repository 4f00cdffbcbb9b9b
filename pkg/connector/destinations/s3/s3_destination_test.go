package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fairagro/sql2arc/pkg/compression"
	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/models"
)

type object struct {
	body     []byte
	encoding string
	metadata map[string]string
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string]object
	calls   int
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	obj := object{body: body, metadata: in.Metadata}
	if in.ContentEncoding != nil {
		obj.encoding = *in.ContentEncoding
	}
	if f.objects == nil {
		f.objects = map[string]object{}
	}
	f.objects[*in.Bucket+"/"+*in.Key] = obj
	return &manager.UploadOutput{Location: "s3://" + *in.Bucket + "/" + *in.Key}, nil
}

func TestS3Destination_Upload(t *testing.T) {
	up := &fakeUploader{}
	d, err := NewS3Destination(up, config.S3Config{Bucket: "arcs", Prefix: "rdi/edaphobase"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Upload(context.Background(), "inv-1", models.Artifact(`{"a":1}`)))

	obj, ok := up.objects["arcs/rdi/edaphobase/inv-1.json"]
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(obj.body))
	assert.Empty(t, obj.encoding)
	assert.Equal(t, "inv-1", obj.metadata["record-id"])
	assert.Equal(t, "7", obj.metadata["uncompressed-size"])
	assert.EqualValues(t, 1, d.Metrics()["files_created"])
	assert.NoError(t, d.Close(context.Background()))
}

func TestS3Destination_Compressed(t *testing.T) {
	up := &fakeUploader{}
	d, err := NewS3Destination(up, config.S3Config{Bucket: "arcs", Compression: "gzip"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Upload(context.Background(), "a/b", models.Artifact(`{"a":1}`)))

	obj, ok := up.objects["arcs/a%2Fb.json.gz"]
	require.True(t, ok)
	assert.Equal(t, "gzip", obj.encoding)

	comp, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Gzip})
	require.NoError(t, err)
	plain, err := comp.Decompress(obj.body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(plain))
}

func TestS3Destination_Errors(t *testing.T) {
	up := &fakeUploader{err: assert.AnError}
	d, err := NewS3Destination(up, config.S3Config{Bucket: "arcs"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = d.Upload(context.Background(), "inv-1", models.Artifact(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUpload))
	assert.Equal(t, models.ReasonTransport, errors.ReasonOf(err))
	assert.Equal(t, 1, up.calls)

	up.err = &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusForbidden}},
			Err:      assert.AnError,
		},
	}
	err = d.Upload(context.Background(), "inv-2", models.Artifact(`{}`))
	assert.Equal(t, models.ReasonHTTPStatus, errors.ReasonOf(err))
	assert.EqualValues(t, 2, d.Metrics()["failed"])
}

func TestNewS3Destination_Validation(t *testing.T) {
	_, err := NewS3Destination(&fakeUploader{}, config.S3Config{}, zaptest.NewLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewS3Destination(&fakeUploader{}, config.S3Config{Bucket: "b", Compression: "lz4"}, zaptest.NewLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestClientOptions_DisablesRetries(t *testing.T) {
	var opts s3.Options
	clientOptions(config.S3Config{Endpoint: "http://minio:9000"})(&opts)

	assert.Equal(t, aws.NopRetryer{}, opts.Retryer)
	assert.Equal(t, 1, opts.RetryMaxAttempts)
	assert.Equal(t, "http://minio:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)
}

func TestOpen_FailedUploadIsSentOnce(t *testing.T) {
	var puts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts.Add(1)
			_, _ = io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", t.TempDir()+"/config")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", t.TempDir()+"/credentials")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	d, err := Open(context.Background(), config.S3Config{
		Bucket:   "arcs",
		Region:   "us-east-1",
		Endpoint: server.URL,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = d.Upload(context.Background(), "inv-1", models.Artifact(`{"id":"inv-1"}`))
	require.Error(t, err)
	assert.EqualValues(t, 1, puts.Load(), "a failed upload is not retried by the SDK")
	assert.EqualValues(t, 1, d.Metrics()["failed"])
}
