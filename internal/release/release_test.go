package release_test

import (
	"context"
	"errors"
	"github.com/rattlesnakeos/otatools/internal/ota"
	"github.com/rattlesnakeos/otatools/internal/otazip"
	"github.com/rattlesnakeos/otatools/internal/release"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

var (
	errBuild   = errors.New("build error")
	errPublish = errors.New("publish error")
	errNotify  = errors.New("notify error")
)

func TestRun(t *testing.T) {
	tests := map[string]struct {
		builder          *fakeBuilder
		publisher        *fakePublisher
		notifier         *fakeNotifier
		expectedLocation string
		expectedNotified bool
		expected         error
	}{
		"build only": {
			builder: &fakeBuilder{},
		},
		"build and publish": {
			builder:          &fakeBuilder{},
			publisher:        &fakePublisher{location: "s3://bucket/ota.zip"},
			expectedLocation: "s3://bucket/ota.zip",
		},
		"build, publish and notify": {
			builder:          &fakeBuilder{},
			publisher:        &fakePublisher{location: "s3://bucket/ota.zip"},
			notifier:         &fakeNotifier{},
			expectedLocation: "s3://bucket/ota.zip",
			expectedNotified: true,
		},
		"build error": {
			builder:   &fakeBuilder{err: errBuild},
			publisher: &fakePublisher{},
			notifier:  &fakeNotifier{},
			expected:  errBuild,
		},
		"publish error": {
			builder:   &fakeBuilder{},
			publisher: &fakePublisher{err: errPublish},
			notifier:  &fakeNotifier{},
			expected:  errPublish,
		},
		"notify error": {
			builder:   &fakeBuilder{},
			publisher: &fakePublisher{location: "s3://bucket/ota.zip"},
			notifier:  &fakeNotifier{err: errNotify},
			expected:  errNotify,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tc.builder.output = writePackage(t)
			recorder := &fakeRecorder{}
			var publisher release.Publisher
			if tc.publisher != nil {
				publisher = tc.publisher
			}
			var notifier release.Notifier
			if tc.notifier != nil {
				notifier = tc.notifier
			}

			result, err := release.New("walleye", tc.builder, recorder, publisher, notifier).Run(context.Background())
			assert.ErrorIs(t, err, tc.expected)
			if tc.expected != nil {
				assert.Nil(t, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedLocation, result.Location)
			assert.Equal(t, 1, recorder.calls)
			if tc.publisher != nil {
				assert.Equal(t, map[string]string{"ota-type": "AB", "post-build": "fp2", "pre-build": "fp1"},
					tc.publisher.metadata)
			}
			if tc.expectedNotified {
				assert.Equal(t, "walleye: new incremental AB package", tc.notifier.subject)
				assert.Contains(t, tc.notifier.message, "Applies to: fp1")
				assert.Contains(t, tc.notifier.message, "system: 3 operations")
			}
		})
	}
}

func writePackage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ota.zip")
	a := otazip.New()
	require.NoError(t, a.Add(otazip.MetadataName, []byte("ota-type=AB\npost-build=fp2\npre-build=fp1\npre-device=walleye\n"), otazip.Store))
	require.NoError(t, a.WriteFile(path))
	return path
}

type fakeBuilder struct {
	output string
	err    error
}

func (f *fakeBuilder) Build(ctx context.Context) (*ota.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ota.Summary{
		Output:      f.output,
		Type:        ota.TypeAB,
		Incremental: true,
		Partitions:  []ota.PartitionSummary{{Name: "system", Incremental: true, Operations: 3}},
	}, nil
}

type fakeRecorder struct {
	calls int
}

func (f *fakeRecorder) Record(*ota.Summary) {
	f.calls++
}

type fakePublisher struct {
	location string
	metadata map[string]string
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, file string, metadata map[string]string) (string, error) {
	f.metadata = metadata
	return f.location, f.err
}

type fakeNotifier struct {
	subject string
	message string
	err     error
}

func (f *fakeNotifier) Notify(ctx context.Context, subject, message string) error {
	f.subject, f.message = subject, message
	return f.err
}
