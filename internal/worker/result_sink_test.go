package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"batch-ingestion-service/internal/config"
)

func TestLocalSinkWritesJSON(t *testing.T) {
	dir := t.TempDir()
	sink := NewLocalSink(dir)

	where, err := sink.Store(context.Background(), sampleUnit, processedResponse(sampleUnit))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "s1", "u1.json"), where)

	data, err := os.ReadFile(where)
	require.NoError(t, err)
	var got archivedResult
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "s1", got.SubmissionID)
	require.Equal(t, []int64{7, 8, 9}, got.IDs)
	require.Len(t, got.Response.Results, 3)
}

func TestS3SinkPutsObject(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		}),
	})
	sink := NewS3Sink(client, "results")

	where, err := sink.Store(context.Background(), sampleUnit, processedResponse(sampleUnit))
	require.NoError(t, err)
	require.Equal(t, "s3://results/s1/u1.json", where)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, paths, "PUT /results/s1/u1.json")
}

func TestNewResultSinkSelection(t *testing.T) {
	sink, err := NewResultSink(context.Background(), config.Config{})
	require.NoError(t, err)
	require.Nil(t, sink)

	sink, err = NewResultSink(context.Background(), config.Config{ResultDir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &LocalSink{}, sink)
}
