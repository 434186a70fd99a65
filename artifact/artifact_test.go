package artifact

import (
	"context"
	"strings"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Run("deterministic for equivalent links", func(t *testing.T) {
		a := NewID("https://Example.COM/ds/lm317.pdf#page=2", "LM317", "Texas Instruments")
		b := NewID(" https://example.com/ds/lm317.pdf ", "LM317", "Texas Instruments")
		assert.Equal(t, a, b)
	})

	t.Run("distinct links produce distinct ids", func(t *testing.T) {
		a := NewID("https://example.com/ds/lm317.pdf", "LM317", "TI")
		b := NewID("https://example.com/ds/lm317a.pdf", "LM317", "TI")
		assert.NotEqual(t, a, b)
	})

	t.Run("readable prefix", func(t *testing.T) {
		id := NewID("https://example.com/x.pdf", "LM317 / T", "Texas Instruments")
		assert.True(t, strings.HasPrefix(string(id), "lm317-t-texas-instruments_"), "got %s", id)
		require.NoError(t, id.Validate())
	})

	t.Run("hash only without metadata", func(t *testing.T) {
		id := NewID("https://example.com/x.pdf", "", "")
		assert.Len(t, string(id), hashLen)
		require.NoError(t, id.Validate())
	})

	t.Run("long names are bounded", func(t *testing.T) {
		id := NewID("https://example.com/x.pdf", strings.Repeat("a", 200), "")
		assert.LessOrEqual(t, len(id), maxSlugLen+1+hashLen)
	})
}

func TestIDValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      ID
		wantErr bool
	}{
		{name: "valid", id: "lm317_abc", wantErr: false},
		{name: "empty", id: "", wantErr: true},
		{name: "dot", id: ".", wantErr: true},
		{name: "dotdot", id: "..", wantErr: true},
		{name: "slash", id: "a/b", wantErr: true},
		{name: "backslash", id: `a\b`, wantErr: true},
		{name: "control", id: "a\x00b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDescriptor(t *testing.T) {
	t.Run("image file name", func(t *testing.T) {
		tests := map[string]string{
			"https://example.com/img/ti.png?x=1": "ti.png",
			"https://example.com/":               "",
			"":                                   "",
			"logos/st.gif":                       "st.gif",
		}
		for link, want := range tests {
			d := Descriptor{ImageLink: link}
			assert.Equal(t, want, d.ImageFileName(), "link %q", link)
		}
	})

	t.Run("validate requires link", func(t *testing.T) {
		d := NewDescriptor("LM317", "TI", "regulator", "", "")
		err := d.Validate()
		require.Error(t, err)
		assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))

		d = NewDescriptor("LM317", "TI", "regulator", "https://example.com/lm317.pdf", "")
		require.NoError(t, d.Validate())
	})
}

func TestStateOrdering(t *testing.T) {
	assert.True(t, NotDownloaded.Precedes(Downloading))
	assert.True(t, Downloading.Precedes(DownloadingAndOpening))
	assert.True(t, DownloadingAndOpening.Precedes(Cached))
	assert.True(t, DownloadingAndOpening.Precedes(Saved))
	assert.True(t, Downloading.Precedes(Downloading))
	assert.False(t, DownloadingAndOpening.Precedes(Downloading))
	assert.False(t, Cached.Precedes(NotDownloaded))

	assert.True(t, Downloading.InFlight())
	assert.True(t, DownloadingAndOpening.InFlight())
	assert.False(t, Cached.InFlight())
	assert.True(t, Saved.Local())
	assert.Equal(t, "DownloadingAndOpening", DownloadingAndOpening.String())
}

func TestErrors(t *testing.T) {
	t.Run("concurrent fetch timeout is retryable", func(t *testing.T) {
		err := ConcurrentFetchTimeout(context.DeadlineExceeded, "x")
		assert.True(t, IsConcurrentFetchTimeout(err))
		assert.True(t, errors.IsRetryable(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("fetch failed inherits classification", func(t *testing.T) {
		network := errors.New(errors.CodeNetwork, "connection reset")
		err := FetchFailed(network, "x")
		assert.True(t, IsFetchFailed(err))
		assert.True(t, errors.IsRetryable(err))

		permanent := FetchFailed(errors.New(errors.CodeNotFound, "404"), "x")
		assert.False(t, errors.IsRetryable(permanent))
	})

	t.Run("invalid state transition carries state", func(t *testing.T) {
		err := InvalidStateTransition("x", "remove", Cached)
		assert.True(t, IsInvalidStateTransition(err))
		var pe errors.PlatformError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "Cached", pe.Context()["state"])
	})

	t.Run("storage io failed", func(t *testing.T) {
		err := StorageIOFailed(assert.AnError, "write", "/tmp/x")
		assert.True(t, IsStorageIOFailed(err))
		assert.False(t, IsFetchFailed(err))
	})
}
