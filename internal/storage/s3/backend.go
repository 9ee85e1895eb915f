package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

const (
	component = "s3"

	// user metadata keys; S3 lower-cases them
	metaMode = "mode"
	metaAVU  = "avu-"
)

// Backend maps the remote catalog onto one bucket. Collections are key prefixes
// marked by an empty "<prefix>/" object; data objects are keys. It implements
// types.Dialer; every session shares the client.
type Backend struct {
	api         API
	transporter *cargoships3.Transporter
	config      *Config
	bucket      string
	prefix      string
	logger      *slog.Logger
	stats       counters
}

// NewBackend creates the S3 catalog from AWS configuration.
func NewBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "s3-catalog", "bucket", cfg.Bucket)

	client, transporter, err := newClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b := NewBackendWithAPI(client, cfg, logger)
	b.transporter = transporter
	return b, nil
}

// NewBackendWithAPI creates the catalog over an existing client.
func NewBackendWithAPI(api API, cfg *Config, logger *slog.Logger) *Backend {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.QueryPageSize <= 0 {
		cfg.QueryPageSize = NewDefaultConfig().QueryPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		api:    api,
		config: cfg,
		bucket: cfg.Bucket,
		prefix: cfg.normalizedPrefix(),
		logger: logger,
	}
}

// Connect opens a session. S3 is stateless, so this only checks ctx; Authenticate
// performs the first request.
func (b *Backend) Connect(ctx context.Context, endpoint types.Endpoint) (types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err, "connect", "")
	}
	return &session{
		backend:  b,
		endpoint: endpoint,
		handles:  make(map[types.Handle]*handle),
	}, nil
}

// Metrics returns request counters.
func (b *Backend) Metrics() BackendMetrics {
	return b.stats.snapshot()
}

// key maps a catalog path to its object key.
func (b *Backend) key(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return b.prefix
	}
	return b.prefix + p[1:]
}

// dirKey maps a collection path to its marker key.
func (b *Backend) dirKey(p string) string {
	k := b.key(p)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

// pathOf maps an object key back to a catalog path.
func (b *Backend) pathOf(key string) string {
	return path.Clean("/" + strings.TrimSuffix(strings.TrimPrefix(key, b.prefix), "/"))
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.config.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.config.RequestTimeout)
}

func (b *Backend) headObject(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.stats.request(err)
	return out, err
}

func (b *Backend) putObject(ctx context.Context, key string, body []byte, meta map[string]string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      meta,
	})
	b.stats.request(err)
	if err == nil {
		b.stats.bytesUploaded.Add(int64(len(body)))
	}
	return err
}

// getObject reads an object, or the byte range rng when non-empty.
func (b *Backend) getObject(ctx context.Context, key, rng string) ([]byte, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	in := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if rng != "" {
		in.Range = aws.String(rng)
	}
	out, err := b.api.GetObject(ctx, in)
	b.stats.request(err)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	b.stats.bytesDownloaded.Add(int64(len(data)))
	return data, err
}

func (b *Backend) deleteObject(ctx context.Context, key string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.stats.request(err)
	return err
}

func (b *Backend) copyObject(ctx context.Context, from, to string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(b.bucket + "/" + from),
		Key:        aws.String(to),
	})
	b.stats.request(err)
	return err
}

// listKeys returns every key under prefix.
func (b *Backend) listKeys(ctx context.Context, prefix string) ([]s3types.Object, error) {
	var out []s3types.Object
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		b.stats.request(err)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Contents...)
	}
	return out, nil
}

// hasChildren reports whether anything other than the marker lives under dirKey.
func (b *Backend) hasChildren(ctx context.Context, dirKey string) (exists, nonEmpty bool, mtime time.Time, err error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirKey),
		MaxKeys: aws.Int32(2),
	})
	b.stats.request(err)
	if err != nil {
		return false, false, time.Time{}, err
	}
	for _, obj := range out.Contents {
		exists = true
		if aws.ToString(obj.Key) == dirKey {
			mtime = aws.ToTime(obj.LastModified)
		} else {
			nonEmpty = true
		}
	}
	return exists, nonEmpty, mtime, nil
}

func modeOf(meta map[string]string) uint32 {
	if v, ok := meta[metaMode]; ok {
		if m, err := strconv.ParseUint(v, 8, 32); err == nil {
			return uint32(m)
		}
	}
	return 0
}

func modeMeta(mode uint32) map[string]string {
	return map[string]string{metaMode: strconv.FormatUint(uint64(mode&^types.ModeTypeMask), 8)}
}

// translateError classifies S3 failures into the catalog error taxonomy.
func translateError(err error, op, p string) error {
	if err == nil {
		return nil
	}
	code := errors.ErrCodeRemoteIO

	var (
		noSuchKey    *s3types.NoSuchKey
		notFound     *s3types.NotFound
		noSuchBucket *s3types.NoSuchBucket
		apiErr       smithy.APIError
	)
	switch {
	case stderrors.As(err, &noSuchKey), stderrors.As(err, &notFound):
		code = errors.ErrCodeNotFound
	case stderrors.As(err, &noSuchBucket):
		code = errors.ErrCodeConnectFailed
	case stderrors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			code = errors.ErrCodeNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			code = errors.ErrCodePermissionDenied
		case "ExpiredToken", "TokenRefreshRequired", "RequestExpired":
			code = errors.ErrCodeCredentialExpired
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken":
			code = errors.ErrCodeCredentialAcquire
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			code = errors.ErrCodeNetworkError
		}
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		code = errors.ErrCodeNetworkError
	}
	return errors.Wrap(code, err, fmt.Sprintf("%s failed", op)).
		WithComponent(component).WithOperation(op).WithPath(p)
}

func isNotFound(err error) bool {
	return errors.IsNotFound(translateError(err, "", ""))
}

// stat resolves p to a data object or a collection.
func (b *Backend) stat(ctx context.Context, op, p string) (*types.ObjectStat, error) {
	p = path.Clean("/" + p)
	if b.key(p) == b.prefix {
		return &types.ObjectStat{Path: p, Type: types.ObjCollection}, nil
	}

	head, err := b.headObject(ctx, b.key(p))
	if err == nil {
		mtime := aws.ToTime(head.LastModified)
		return &types.ObjectStat{
			Path:       p,
			Type:       types.ObjDataObject,
			Size:       aws.ToInt64(head.ContentLength),
			Mode:       modeOf(head.Metadata),
			CreateTime: mtime,
			ModifyTime: mtime,
		}, nil
	}
	if !isNotFound(err) {
		return nil, translateError(err, op, p)
	}

	exists, _, mtime, err := b.hasChildren(ctx, b.dirKey(p))
	if err != nil {
		return nil, translateError(err, op, p)
	}
	if !exists {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such object or collection").
			WithComponent(component).WithOperation(op).WithPath(p)
	}
	return &types.ObjectStat{Path: p, Type: types.ObjCollection, CreateTime: mtime, ModifyTime: mtime}, nil
}
