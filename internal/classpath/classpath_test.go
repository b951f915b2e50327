package classpath_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ZipRecruiter/gradle/internal/classpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJar(t *testing.T, dir string, name string, files map[string]string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	writer := zip.NewWriter(file)
	for name, content := range files {
		w, err := writer.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	return path
}

func writeClassDir(t *testing.T, dir string, files map[string]string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return dir
}

func TestFind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	classes := writeClassDir(t, filepath.Join(dir, "classes"), map[string]string{
		"com/example/App.class":    "app",
		"com/example/Shared.class": "from-directory",
	})
	library := writeJar(t, dir, "library.jar", map[string]string{
		"com/example/Shared.class":      "from-jar",
		"com/example/Outer$Inner.class": "inner",
		"org/library/Util.class":        "util-bytes",
		"META-INF/MANIFEST.MF":          "Manifest-Version: 1.0\n",
		"org/library/":                  "",
	})

	ctx, err := classpath.Open([]string{classes, library})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ctx.Close())
	})

	require.Equal(t, []string{classes, library}, ctx.Entries())

	t.Run("class in directory", func(t *testing.T) {
		t.Parallel()

		location, err := ctx.Find("com.example.App")
		require.NoError(t, err)
		require.Equal(t, classpath.Location{Entry: classes, Name: "com/example/App.class", Size: 3}, location)
	})

	t.Run("class in jar", func(t *testing.T) {
		t.Parallel()

		location, err := ctx.Find("org.library.Util")
		require.NoError(t, err)
		require.Equal(t, classpath.Location{Entry: library, Name: "org/library/Util.class", Size: 10}, location)
	})

	t.Run("nested class", func(t *testing.T) {
		t.Parallel()

		location, err := ctx.Find("com.example.Outer$Inner")
		require.NoError(t, err)
		require.Equal(t, library, location.Entry)
	})

	t.Run("earlier entries win", func(t *testing.T) {
		t.Parallel()

		location, err := ctx.Find("com.example.Shared")
		require.NoError(t, err)
		require.Equal(t, classes, location.Entry)
		require.Equal(t, int64(len("from-directory")), location.Size)
	})

	t.Run("missing class", func(t *testing.T) {
		t.Parallel()

		_, err := ctx.Find("com.example.Missing")
		require.ErrorIs(t, err, classpath.ErrClassNotFound)
	})

	t.Run("packages are not classes", func(t *testing.T) {
		t.Parallel()

		_, err := ctx.Find("org.library")
		require.ErrorIs(t, err, classpath.ErrClassNotFound)
	})

	t.Run("invalid names", func(t *testing.T) {
		t.Parallel()

		for _, name := range []string{"", "..", "com..example.App", "/etc/passwd"} {
			_, err := ctx.Find(name)
			require.ErrorIs(t, err, classpath.ErrClassNotFound, name)
		}
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("empty classpath", func(t *testing.T) {
		t.Parallel()

		ctx, err := classpath.Open(nil)
		require.NoError(t, err)

		_, err = ctx.Find("com.example.App")
		require.ErrorIs(t, err, classpath.ErrClassNotFound)
		require.NoError(t, ctx.Close())
	})

	t.Run("missing entry", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		library := writeJar(t, dir, "library.jar", map[string]string{"A.class": "a"})

		_, err := classpath.Open([]string{library, filepath.Join(dir, "missing.jar")})
		require.ErrorIs(t, err, os.ErrNotExist)
		require.ErrorContains(t, err, "missing.jar")
	})

	t.Run("not a jar", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		path := filepath.Join(dir, "broken.jar")
		require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

		_, err := classpath.Open([]string{path})
		require.ErrorIs(t, err, zip.ErrFormat)
	})
}

func TestClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	library := writeJar(t, dir, "library.jar", map[string]string{"A.class": "a"})

	ctx, err := classpath.Open([]string{library, writeClassDir(t, filepath.Join(dir, "classes"), nil)})
	require.NoError(t, err)

	require.NoError(t, ctx.Close())

	_, err = ctx.Find("A")
	require.ErrorIs(t, err, classpath.ErrAlreadyClosed)

	require.ErrorIs(t, ctx.Close(), classpath.ErrAlreadyClosed)
}

func TestConcurrentFindAndClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	library := writeJar(t, dir, "library.jar", map[string]string{"A.class": "a"})

	ctx, err := classpath.Open([]string{library})
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	for range 10 {
		wg.Go(func() {
			_, err := ctx.Find("A")
			if err != nil {
				assert.ErrorIs(t, err, classpath.ErrAlreadyClosed)
			}
		})
	}
	wg.Go(func() {
		assert.NoError(t, ctx.Close())
	})
	wg.Wait()
}

func TestSplit(t *testing.T) {
	t.Parallel()

	sep := string(filepath.ListSeparator)
	cases := []struct {
		classpath string
		want      []string
	}{
		{classpath: "", want: nil},
		{classpath: "a.jar", want: []string{"a.jar"}},
		{classpath: strings.Join([]string{"a.jar", "classes", "b.jar"}, sep), want: []string{"a.jar", "classes", "b.jar"}},
		{classpath: strings.Join([]string{"a.jar", "", " ", "b.jar", ""}, sep), want: []string{"a.jar", "b.jar"}},
	}
	for _, tc := range cases {
		t.Run(tc.classpath, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.want, classpath.Split(tc.classpath))
		})
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "com/example/App.class", classpath.FileName("com.example.App"))
	require.Equal(t, "com/example/Outer$Inner.class", classpath.FileName("com.example.Outer$Inner"))
}
