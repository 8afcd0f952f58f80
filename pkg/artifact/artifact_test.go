package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/prepost/prepost/pkg/dex"
	"github.com/prepost/prepost/pkg/dex/dexbuilder"
)

const sampleClass = "Lcom/example/Sample;"

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func sampleDex(t *testing.T, m1 int) []byte {
	b := dexbuilder.New()
	b.Class(sampleClass).Virtual("m1", m1).Virtual("m2", 20).Abstract("m3")
	data, err := b.Build()
	require.NoError(t, err)
	return data
}

func load(t *testing.T, path string) *Artifact {
	t.Helper()
	var a *Artifact
	require.NoError(t, Open(path, func(x *Artifact) error {
		a = x
		return nil
	}))
	return a
}

func TestLoadDex(t *testing.T) {
	a := load(t, writeTemp(t, "classes.dex", sampleDex(t, 10)))
	require.Equal(t, FormatDex, a.Format)
	require.False(t, Live(), "context still live after Open returned")

	for _, name := range []string{sampleClass, "com.example.Sample"} {
		classes := a.FindClass(name)
		require.Len(t, classes, 1, name)
		want := []Method{
			{Name: "m1", Proto: "()V", HasCode: true, CodeUnits: 10},
			{Name: "m2", Proto: "()V", HasCode: true, CodeUnits: 20},
			{Name: "m3", Proto: "()V"},
		}
		if diff := cmp.Diff(want, classes[0].VirtualMethods); diff != "" {
			t.Fatalf("virtual methods (-want +got):\n%s", diff)
		}
	}
	require.Empty(t, a.FindClass("Lcom/example/Missing;"))
	require.Equal(t, []string{sampleClass}, a.ClassNames())
}

func TestContextSingleInstance(t *testing.T) {
	c, err := Acquire()
	require.NoError(t, err)
	require.True(t, Live())

	_, err = Acquire()
	require.ErrorIs(t, err, ErrContextBusy)
	require.ErrorIs(t, Open("whatever.dex", func(*Artifact) error { return nil }), ErrContextBusy)

	require.NoError(t, c.Release())
	require.NoError(t, c.Release(), "second release")
	require.False(t, Live())

	_, err = c.Load(writeTemp(t, "classes.dex", sampleDex(t, 1)))
	require.ErrorIs(t, err, ErrReleased)

	c2, err := Acquire(WithStringCacheSize(8))
	require.NoError(t, err)
	require.NoError(t, c2.Release())
}

func TestSequentialLoads(t *testing.T) {
	before := writeTemp(t, "pre.dex", sampleDex(t, 10))
	after := writeTemp(t, "post.dex", sampleDex(t, 6))

	a := load(t, before)
	b := load(t, after)
	// Artifacts hold copies and outlive their contexts.
	require.Equal(t, 10, a.FindClass(sampleClass)[0].VirtualMethods[0].CodeUnits)
	require.Equal(t, 6, b.FindClass(sampleClass)[0].VirtualMethods[0].CodeUnits)
}

func TestOpenReleasesOnError(t *testing.T) {
	boom := errors.New("boom")
	err := Open(writeTemp(t, "classes.dex", sampleDex(t, 1)), func(*Artifact) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, Live())

	err = Open(filepath.Join(t.TempDir(), "missing.dex"), func(*Artifact) error {
		t.Fatal("callback called for missing artifact")
		return nil
	})
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	require.False(t, Live())
}

func TestLoadErrors(t *testing.T) {
	corrupt := sampleDex(t, 1)
	corrupt[len(corrupt)-1] ^= 0xff
	truncated := sampleDex(t, 1)
	binary.LittleEndian.PutUint32(truncated[32:], 4)

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing", filepath.Join(t.TempDir(), "missing.dex")},
		{"directory", t.TempDir()},
		{"empty file", writeTemp(t, "empty.dex", nil)},
		{"unknown format", writeTemp(t, "junk.bin", []byte("definitely not a container"))},
		{"bad checksum", writeTemp(t, "bad.dex", corrupt)},
		{"file size below header", writeTemp(t, "short.dex", truncated)},
		{"empty archive", writeTemp(t, "empty.apk", zipOf(t, map[string][]byte{"AndroidManifest.xml": {1}}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Open(tt.path, func(*Artifact) error { return nil })
			var lerr *LoadError
			require.ErrorAs(t, err, &lerr)
			require.Equal(t, tt.path, lerr.Path)
			require.False(t, Live())
		})
	}

	err := Open(writeTemp(t, "bad.dex", corrupt), func(*Artifact) error { return nil })
	var ferr *dex.FormatError
	require.ErrorAs(t, err, &ferr)
}

func zipOf(t *testing.T, files map[string][]byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestLoadArchive(t *testing.T) {
	other := dexbuilder.New()
	other.Class("Lcom/example/Other;").Virtual("x", 3)
	dup := dexbuilder.New()
	dup.Class(sampleClass).Virtual("m1", 1)

	path := writeTemp(t, "app.apk", zipOf(t, map[string][]byte{
		"classes.dex":         sampleDex(t, 10),
		"classes2.dex":        other.MustBuild(),
		"classes3.dex":        dup.MustBuild(),
		"assets/classes4.dex": other.MustBuild(),
	}))
	a := load(t, path)
	require.Equal(t, FormatArchive, a.Format)
	require.Equal(t, 3, a.NumClasses())
	require.Len(t, a.FindClass("com.example.Other"), 1)
	require.Equal(t, "classes2.dex", a.FindClass("com.example.Other")[0].Source)
	require.Len(t, a.FindClass(sampleClass), 2)
}

func TestLoadELF(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF")
	}
	switch runtime.GOARCH {
	case "amd64", "386", "arm64":
	default:
		t.Skip("no decoder for " + runtime.GOARCH)
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	var a *Artifact
	err = Open(exe, func(x *Artifact) error {
		a = x
		return nil
	})
	if err != nil {
		t.Skipf("cannot load test binary: %v", err)
	}
	require.Equal(t, FormatELF, a.Format)
	classes := a.FindClass("github.com/prepost/prepost/pkg/artifact")
	require.Len(t, classes, 1)
	found := false
	for _, m := range classes[0].VirtualMethods {
		if m.Name == "TestLoadELF" {
			found = true
			require.True(t, m.HasCode)
			require.Greater(t, m.CodeUnits, 0)
		}
	}
	require.True(t, found, "TestLoadELF not found in test binary")
}
