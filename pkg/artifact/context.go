package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/prepost/prepost/pkg/config"
	"github.com/prepost/prepost/pkg/dex"
	"github.com/prepost/prepost/pkg/elfsym"
	"github.com/prepost/prepost/pkg/logflags"
)

var (
	// ErrContextBusy is returned by Acquire while another Context is live.
	ErrContextBusy = errors.New("a parsing context is already live")
	// ErrReleased is returned when loading through a released Context.
	ErrReleased = errors.New("parsing context already released")
)

var (
	liveMu sync.Mutex
	live   *Context
)

// Context is the process-wide parsing state. It owns the memory mappings
// of the files it loaded and the decoded string cache.
type Context struct {
	strings  *lru.Cache
	unmaps   []func() error
	released bool
	log      logflags.Logger
}

type options struct {
	stringCacheSize int
}

// Option configures Acquire.
type Option func(*options)

// WithStringCacheSize sets the number of decoded strings the context keeps.
func WithStringCacheSize(n int) Option {
	return func(o *options) {
		o.stringCacheSize = n
	}
}

// Acquire makes a new Context live. It fails with ErrContextBusy if the
// previous one has not been released.
func Acquire(opts ...Option) (*Context, error) {
	o := options{stringCacheSize: config.DefaultStringCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := lru.New(o.stringCacheSize)
	if err != nil {
		return nil, err
	}

	liveMu.Lock()
	defer liveMu.Unlock()
	if live != nil {
		return nil, ErrContextBusy
	}
	live = &Context{strings: cache, log: logflags.ArtifactLogger()}
	live.log.Debugf("context acquired")
	return live, nil
}

// Live reports whether a Context is currently live.
func Live() bool {
	liveMu.Lock()
	defer liveMu.Unlock()
	return live != nil
}

// Release unmaps every file loaded through c and drops the string cache.
// It is safe to call more than once.
func (c *Context) Release() error {
	liveMu.Lock()
	defer liveMu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	var firstErr error
	for i := len(c.unmaps) - 1; i >= 0; i-- {
		if err := c.unmaps[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.unmaps = nil
	c.strings.Purge()
	if live == c {
		live = nil
	}
	c.log.Debugf("context released")
	return firstErr
}

// Open acquires a Context, loads the artifact at path, calls fn with it
// and releases the Context on every exit path.
func Open(path string, fn func(*Artifact) error, opts ...Option) (err error) {
	c, err := Acquire(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.Release(); err == nil && rerr != nil {
			err = &LoadError{Path: path, Err: rerr}
		}
	}()
	a, err := c.Load(path)
	if err != nil {
		return err
	}
	return fn(a)
}

// Load reads the container at path. Any failure is a *LoadError and no
// Artifact is returned.
func (c *Context) Load(path string) (*Artifact, error) {
	a, err := c.load(path)
	if err != nil {
		c.log.WithError(err).Errorf("loading %s", path)
		return nil, &LoadError{Path: path, Err: err}
	}
	c.log.WithField("format", a.Format).Debugf("loaded %s: %d classes", path, a.NumClasses())
	return a, nil
}

func (c *Context) load(path string) (*Artifact, error) {
	if c.released {
		return nil, ErrReleased
	}
	if path == "" {
		return nil, errEmptyPath
	}
	data, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	c.unmaps = append(c.unmaps, unmap)

	switch {
	case dex.IsDex(data):
		a := newArtifact(path, FormatDex)
		return a, c.addDex(a, "", data)
	case isZip(data):
		a := newArtifact(path, FormatArchive)
		return a, c.addArchive(a, data)
	case elfsym.IsELF(data):
		a := newArtifact(path, FormatELF)
		return a, addELF(a, data)
	}
	return nil, errUnknownFormat
}

func (c *Context) addDex(a *Artifact, source string, data []byte) error {
	f, err := dex.Parse(data, dex.WithStringCache(c.strings))
	if err != nil {
		return err
	}
	classes, err := f.Classes()
	if err != nil {
		return err
	}
	for i := range classes {
		a.addClass(Class{
			Name:           classes[i].Descriptor,
			Source:         source,
			VirtualMethods: dexMethods(classes[i].VirtualMethods),
			DirectMethods:  dexMethods(classes[i].DirectMethods),
		})
	}
	return nil
}

func dexMethods(ms []dex.Method) []Method {
	r := make([]Method, len(ms))
	for i := range ms {
		r[i] = Method{
			Name:      ms[i].Name,
			Proto:     ms[i].Proto,
			HasCode:   ms[i].HasCode(),
			CodeUnits: int(ms[i].InsnsSize),
		}
	}
	return r
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

var dexEntryRx = regexp.MustCompile(`^classes[0-9]*\.dex$`)

// addArchive loads every classes*.dex member of an APK or JAR.
func (c *Context) addArchive(a *Artifact, data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	n := 0
	for _, zf := range zr.File {
		if !dexEntryRx.MatchString(zf.Name) {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("%s: %v", zf.Name, err)
		}
		buf, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %v", zf.Name, err)
		}
		if err := c.addDex(a, zf.Name, buf); err != nil {
			return fmt.Errorf("%s: %w", zf.Name, err)
		}
		n++
	}
	if n == 0 {
		return errors.New("archive contains no classes*.dex entries")
	}
	return nil
}

func addELF(a *Artifact, data []byte) error {
	_, funcs, err := elfsym.Funcs(bytes.NewReader(data))
	if err != nil {
		return err
	}
	byType := map[string]int{}
	var classes []Class
	for _, fn := range funcs {
		i, ok := byType[fn.Type]
		if !ok {
			i = len(classes)
			byType[fn.Type] = i
			classes = append(classes, Class{Name: fn.Type})
		}
		classes[i].VirtualMethods = append(classes[i].VirtualMethods, Method{
			Name:      fn.Member,
			Proto:     fmt.Sprintf("%#x", fn.Addr),
			HasCode:   fn.HasBody,
			CodeUnits: fn.Instructions,
		})
	}
	for _, cls := range classes {
		a.addClass(cls)
	}
	return nil
}
