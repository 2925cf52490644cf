package editor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func emptyResourceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "kind", "url", "is_active"})
}

func TestResolveURLPresignsStoredKeys(t *testing.T) {
	f := newComposeFixture(t)

	f.expectResource(TagWaterRipple, KindAudio, "default_resources/water_ripple_ab12cd34.mp3")

	got, err := f.composer.library.ResolveURL(context.Background(), "req-1", TagWaterRipple, KindAudio)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got,
		"https://media.example.com/clips/default_resources/water_ripple_ab12cd34.mp3"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResolveURLPassesThroughAbsoluteURLs(t *testing.T) {
	f := newComposeFixture(t)

	f.mock.ExpectQuery("SELECT (.+) FROM resources").
		WithArgs(TagEnding, KindVideo).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "kind", "url", "is_active"}).
			AddRow(int64(3), "ending.mp4", KindVideo, "https://cdn.example.com/ending.mp4", true))

	got, err := f.composer.library.ResolveURL(context.Background(), "req-1", TagEnding, KindVideo)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/ending.mp4", got)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResolveURLSeedsBundledDefault(t *testing.T) {
	f := newComposeFixture(t)
	library := f.composer.library
	require.NoError(t, os.WriteFile(filepath.Join(library.defaultsDir, "water_ripple.mp3"), []byte("mp3 bytes"), 0644))

	// initial lookup and the double-check under the seed lock both miss
	f.mock.ExpectQuery("SELECT (.+) FROM resources").
		WithArgs(TagWaterRipple, KindAudio).
		WillReturnRows(emptyResourceRows())
	f.mock.ExpectQuery("SELECT (.+) FROM resources").
		WithArgs(TagWaterRipple, KindAudio).
		WillReturnRows(emptyResourceRows())
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO resources").
		WithArgs("water_ripple.mp3", KindAudio, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	f.mock.ExpectExec("INSERT INTO resource_tags").
		WithArgs(int64(12), TagWaterRipple).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	got, err := library.ResolveURL(context.Background(), "req-1", TagWaterRipple, KindAudio)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, "https://media.example.com/clips/default_resources/"))

	// the bundled bytes made it into the bucket under the generated key
	f.mu.Lock()
	var uploadedKey string
	for key := range f.objects {
		if strings.HasPrefix(key, "default_resources/water_ripple_") {
			uploadedKey = key
		}
	}
	f.mu.Unlock()
	require.NotEmpty(t, uploadedKey)
	require.True(t, strings.HasSuffix(uploadedKey, ".mp3"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResolveURLUnknownTagWithoutDefault(t *testing.T) {
	f := newComposeFixture(t)

	f.mock.ExpectQuery("SELECT (.+) FROM resources").
		WithArgs("背景音乐", KindAudio).
		WillReturnRows(emptyResourceRows())
	f.mock.ExpectQuery("SELECT (.+) FROM resources").
		WithArgs("背景音乐", KindAudio).
		WillReturnRows(emptyResourceRows())

	_, err := f.composer.library.ResolveURL(context.Background(), "req-1", "背景音乐", KindAudio)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no bundled default")
}
