// Package s3 implements the storage adapter for S3-compatible object
// storage. The keyspace is flat: directories are synthesized from
// delimiter listings and written as zero-byte marker keys. Tier is
// derived from the object's storage-class label on every stat/list:
// standard classes map to Cold, archival classes to Archive, unknown
// labels default to Cold.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/stratafs/stratafs/internal/storage"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// Config describes one S3-compatible backend.
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Prefix          string `yaml:"prefix"`        // key prefix inside the bucket
	StorageClass    string `yaml:"storage_class"` // default class for writes
}

// API is the slice of the S3 client the adapter uses. Tests substitute
// an in-memory implementation.
type API interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, opts ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, in *awss3.CopyObjectInput, opts ...func(*awss3.Options)) (*awss3.CopyObjectOutput, error)
}

// Adapter is the object-storage adapter.
type Adapter struct {
	client API
	cfg    Config
}

// New builds the adapter, constructing an SDK client from cfg.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, sferrors.E(sferrors.KindInternal, "s3.new", "", fmt.Errorf("bucket is required"))
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, sferrors.Internal("s3.new", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient builds the adapter around an existing client.
func NewWithClient(client API, cfg Config) *Adapter {
	return &Adapter{client: client, cfg: cfg}
}

// key maps a virtual path onto an object key under the configured
// prefix. Directory keys carry a trailing slash.
func (a *Adapter) key(vpath string) string {
	p := strings.TrimPrefix(storage.NormalizePath(vpath), "/")
	if a.cfg.Prefix != "" {
		return strings.TrimSuffix(a.cfg.Prefix, "/") + "/" + p
	}
	return p
}

func (a *Adapter) List(ctx context.Context, dir string) ([]types.VirtualFile, error) {
	prefix := a.key(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var files []types.VirtualFile
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(a.cfg.Bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, translate("s3.list", dir, err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			vpath := storage.JoinPath(dir, name)
			files = append(files, types.VirtualFile{
				ID:    types.FileID(vpath),
				Name:  name,
				Path:  vpath,
				IsDir: true,
				Tier:  types.NewTierStatus(types.TierCold),
			})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue // the directory marker itself, or a nested key
			}
			vpath := storage.JoinPath(dir, name)
			files = append(files, types.VirtualFile{
				ID:      types.FileID(vpath),
				Name:    name,
				Path:    vpath,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Tier:    types.NewTierStatus(TierFromStorageClass(string(obj.StorageClass))),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	storage.SortEntries(files)
	return files, nil
}

func (a *Adapter) Read(ctx context.Context, vpath string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(vpath)),
	})
	if err != nil {
		return nil, translate("s3.read", vpath, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, sferrors.Unavailable("s3.read", err)
	}
	return data, nil
}

func (a *Adapter) ReadRange(ctx context.Context, vpath string, offset, length int64) ([]byte, error) {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(vpath)),
		Range:  aws.String(rng),
	})
	if err != nil {
		return nil, translate("s3.read_range", vpath, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, sferrors.Unavailable("s3.read_range", err)
	}
	return data, nil
}

func (a *Adapter) Write(ctx context.Context, vpath string, data []byte) error {
	return a.put(ctx, "s3.write", vpath, data, a.cfg.StorageClass)
}

func (a *Adapter) put(ctx context.Context, op, vpath string, data []byte, class string) error {
	in := &awss3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(vpath)),
		Body:   bytes.NewReader(data),
	}
	if class != "" {
		in.StorageClass = s3types.StorageClass(class)
	}
	if _, err := a.client.PutObject(ctx, in); err != nil {
		return translate(op, vpath, err)
	}
	return nil
}

// Delete removes a file key, or a directory together with every
// descendant key. A lone DeleteObject on a slash-less directory path
// would report success while leaving the subtree in place.
func (a *Adapter) Delete(ctx context.Context, vpath string) error {
	isDir, err := a.isDirPrefix(ctx, vpath)
	if err != nil {
		return err
	}
	if isDir {
		return a.deletePrefix(ctx, vpath)
	}
	_, err = a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(vpath)),
	})
	if err != nil {
		return translate("s3.delete", vpath, err)
	}
	return nil
}

// deletePrefix removes the marker and all keys below a directory
// prefix, paginating the same way List does.
func (a *Adapter) deletePrefix(ctx context.Context, vpath string) error {
	prefix := a.key(vpath)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(a.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return translate("s3.delete", vpath, err)
		}
		for _, obj := range out.Contents {
			if _, err := a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
				Bucket: aws.String(a.cfg.Bucket),
				Key:    obj.Key,
			}); err != nil {
				return translate("s3.delete", aws.ToString(obj.Key), err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return nil
}

// CreateDir writes a zero-byte marker key. The keyspace is flat, so
// nothing else is needed and parents are never required.
func (a *Adapter) CreateDir(ctx context.Context, vpath string) error {
	key := a.key(vpath)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	_, err := a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return translate("s3.create_dir", vpath, err)
	}
	return nil
}

func (a *Adapter) Exists(ctx context.Context, vpath string) (bool, error) {
	_, err := a.head(ctx, vpath)
	if err != nil {
		if sferrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *Adapter) head(ctx context.Context, vpath string) (*awss3.HeadObjectOutput, error) {
	out, err := a.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(vpath)),
	})
	if err != nil {
		return nil, translate("s3.stat", vpath, err)
	}
	return out, nil
}

func (a *Adapter) Stat(ctx context.Context, vpath string) (types.VirtualFile, error) {
	norm := storage.NormalizePath(vpath)
	out, err := a.head(ctx, norm)
	if err != nil {
		if !sferrors.IsNotFound(err) {
			return types.VirtualFile{}, err
		}
		// No object at the key: it may still be a directory prefix.
		isDir, derr := a.isDirPrefix(ctx, norm)
		if derr != nil {
			return types.VirtualFile{}, derr
		}
		if !isDir {
			return types.VirtualFile{}, sferrors.NotFound("s3.stat", norm)
		}
		return types.VirtualFile{
			ID:    types.FileID(norm),
			Name:  storage.BaseName(norm),
			Path:  norm,
			IsDir: true,
			Tier:  types.NewTierStatus(types.TierCold),
		}, nil
	}
	tier := TierFromStorageClass(string(out.StorageClass))
	return types.VirtualFile{
		ID:      types.FileID(norm),
		Name:    storage.BaseName(norm),
		Path:    norm,
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
		Tier:    types.NewTierStatus(tier),
	}, nil
}

func (a *Adapter) isDirPrefix(ctx context.Context, vpath string) (bool, error) {
	prefix := a.key(vpath)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	out, err := a.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(a.cfg.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, translate("s3.stat", vpath, err)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

func (a *Adapter) FileSize(ctx context.Context, vpath string) (int64, error) {
	out, err := a.head(ctx, vpath)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	_, err := a.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(a.cfg.Bucket),
	})
	return err == nil
}

// FileOps. Only the operations object storage can express; the rest
// fail with Unsupported.

func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := a.Copy(ctx, oldPath, newPath, types.CopyOptions{Overwrite: true, Recursive: true}); err != nil {
		return err
	}
	return a.Delete(ctx, oldPath)
}

func (a *Adapter) Copy(ctx context.Context, srcPath, dstPath string, opts types.CopyOptions) error {
	isDir, err := a.isDirPrefix(ctx, srcPath)
	if err != nil {
		return err
	}
	if isDir {
		if !opts.Recursive {
			return sferrors.Unsupported("s3.copy", srcPath)
		}
		return a.copyPrefix(ctx, srcPath, dstPath, opts)
	}
	if !opts.Overwrite {
		if exists, err := a.Exists(ctx, dstPath); err != nil {
			return err
		} else if exists {
			return sferrors.AlreadyExists("s3.copy", dstPath)
		}
	}
	_, err = a.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(a.cfg.Bucket),
		CopySource: aws.String(a.cfg.Bucket + "/" + a.key(srcPath)),
		Key:        aws.String(a.key(dstPath)),
	})
	if err != nil {
		return translate("s3.copy", srcPath, err)
	}
	return nil
}

// copyPrefix server-side copies every key below srcPath to the same
// relative location below dstPath.
func (a *Adapter) copyPrefix(ctx context.Context, srcPath, dstPath string, opts types.CopyOptions) error {
	if !opts.Overwrite {
		if isDir, err := a.isDirPrefix(ctx, dstPath); err != nil {
			return err
		} else if isDir {
			return sferrors.AlreadyExists("s3.copy", dstPath)
		}
	}
	srcPrefix := a.key(srcPath)
	if !strings.HasSuffix(srcPrefix, "/") {
		srcPrefix += "/"
	}
	dstPrefix := a.key(dstPath)
	if !strings.HasSuffix(dstPrefix, "/") {
		dstPrefix += "/"
	}
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(a.cfg.Bucket),
			Prefix:            aws.String(srcPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return translate("s3.copy", srcPath, err)
		}
		for _, obj := range out.Contents {
			srcKey := aws.ToString(obj.Key)
			dstKey := dstPrefix + strings.TrimPrefix(srcKey, srcPrefix)
			if _, err := a.client.CopyObject(ctx, &awss3.CopyObjectInput{
				Bucket:     aws.String(a.cfg.Bucket),
				CopySource: aws.String(a.cfg.Bucket + "/" + srcKey),
				Key:        aws.String(dstKey),
			}); err != nil {
				return translate("s3.copy", srcKey, err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return nil
}

func (a *Adapter) Symlink(ctx context.Context, target, linkPath string) error {
	return sferrors.Unsupported("s3.symlink", linkPath)
}

func (a *Adapter) Chmod(ctx context.Context, vpath string, _ os.FileMode) error {
	return sferrors.Unsupported("s3.chmod", vpath)
}

func (a *Adapter) Touch(ctx context.Context, vpath string) error {
	return sferrors.Unsupported("s3.touch", vpath)
}

func (a *Adapter) SetTimes(ctx context.Context, vpath string, _, _ time.Time) error {
	return sferrors.Unsupported("s3.set_times", vpath)
}

// SetTier rewrites the object under the storage class for the target
// tier. There is no in-place class change at this layer: the object is
// read in full and written back.
func (a *Adapter) SetTier(ctx context.Context, vpath string, tier types.StorageTier) error {
	class, err := StorageClassForTier(tier)
	if err != nil {
		return err
	}
	data, err := a.Read(ctx, vpath)
	if err != nil {
		return err
	}
	return a.put(ctx, "s3.set_tier", vpath, data, class)
}

// translate maps SDK errors onto the shared taxonomy.
func translate(op, vpath string, err error) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return sferrors.NotFound(op, vpath)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return sferrors.NotFound(op, vpath)
		case "AccessDenied", "Forbidden":
			return sferrors.PermissionDenied(op, vpath, err)
		case "SlowDown", "ServiceUnavailable", "RequestTimeout":
			return sferrors.Unavailable(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sferrors.Unavailable(op, err)
	}
	return sferrors.E(sferrors.KindInternal, op, vpath, err)
}

var (
	_ storage.Adapter = (*Adapter)(nil)
	_ storage.FileOps = (*Adapter)(nil)
	_ storage.Tierer  = (*Adapter)(nil)
)
