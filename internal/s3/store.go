// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/asch/bdgate/internal/s3/objproxy"
)

const (
	// Format string for the object key, without the image prefix.
	//
	// We split the key into halves and use the lower half of bits as s3
	// prefix and upper half for the object key. This is to prevent s3 rate
	// limiting which is applied to objects with the same prefix.
	keyFmt = "%08x/%08x"
)

// Store implements objproxy.ObjectStore using AWS S3 or any S3 compatible
// service. All objects of one image live under a common prefix, so one bucket
// can hold many images. Parameters of http connection are carefully tuned for
// the best performance in the AWS environment.
type Store struct {
	uploader *s3manager.Uploader
	client   *awss3.S3
	bucket   string
	prefix   string
}

// Options to use in NewStore() function due to high number of parameters.
// There is lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added http2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, errors.Wrap(err, "configuring http2")
	}

	return &http.Client{
		Transport: tr,
	}, nil
}

func NewStore(o Options) (*Store, error) {
	s := &Store{
		bucket: o.Bucket,
		prefix: strings.Trim(o.Prefix, "/"),
	}

	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient, err := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 session")
	}

	s.client = awss3.New(sess)
	s.uploader = s3manager.NewUploader(sess)

	// Chunks are small, multipart uploads do not help.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)

	if err := s.makeBucketExist(); err != nil {
		return nil, errors.Wrapf(err, "preparing bucket %s", s.bucket)
	}

	return s, nil
}

// Upload function implemented through s3 api.
func (s *Store) Upload(key int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
		Body:   bytes.NewReader(buf),
	})

	return errors.Wrapf(err, "uploading %s", s.encode(key))
}

// Download function implemented through s3 api.
func (s *Store) Download(key int64) ([]byte, error) {
	out, err := s.client.GetObject(&awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.encode(key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == awss3.ErrCodeNoSuchKey {
			return nil, objproxy.ErrNotExist
		}
		return nil, errors.Wrapf(err, "downloading %s", s.encode(key))
	}
	defer out.Body.Close()

	data, err := ioutil.ReadAll(out.Body)

	return data, errors.Wrapf(err, "downloading %s", s.encode(key))
}

// Keys lists all objects of the image.
func (s *Store) Keys() ([]int64, error) {
	var keys []int64

	err := s.client.ListObjectsV2Pages(&awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + "/"),
	}, func(page *awss3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			if key, ok := s.decode(*o.Key); ok {
				keys = append(keys, key)
			}
		}
		return true
	})

	return keys, errors.Wrapf(err, "listing %s", s.prefix)
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *Store) makeBucketExist() error {
	_, err := s.client.HeadBucket(&awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&awss3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&awss3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

func (s *Store) encode(key int64) string {
	return encode(s.prefix, key)
}

func (s *Store) decode(name string) (int64, bool) {
	return decode(s.prefix, name)
}

// We split the key into halves and use the lower half of bits as s3 prefix and
// upper half for the object key. This is to prevent s3 rate limiting which is
// applied to objects with the same prefix.
func encode(prefix string, key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return prefix + "/" + fmt.Sprintf(keyFmt, right, left)
}

// The inverse to encode(). Reports false for names not created by encode.
func decode(prefix, name string) (int64, bool) {
	if !strings.HasPrefix(name, prefix+"/") {
		return 0, false
	}

	var low, high int64
	n, err := fmt.Sscanf(strings.TrimPrefix(name, prefix+"/"), keyFmt, &low, &high)
	if err != nil || n != 2 {
		return 0, false
	}

	return (high << 32) + low, true
}
