package webui

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// Context fields a plugin may ask for.
const (
	FieldRootShell       = "rootShell"
	FieldRootVersionName = "rootVersionName"
	FieldRootVersionCode = "rootVersionCode"
	FieldFileManager     = "fileManager"
	FieldRootPlatform    = "rootPlatform"
	FieldProviderAlive   = "isProviderAlive"
)

var knownFields = map[string]bool{
	FieldRootShell:       true,
	FieldRootVersionName: true,
	FieldRootVersionCode: true,
	FieldFileManager:     true,
	FieldRootPlatform:    true,
	FieldProviderAlive:   true,
}

// PluginContext is the privileged state handed to a plugin factory.
// Only the fields the descriptor asks for are set.
type PluginContext struct {
	ModuleID      string
	Root          domain.KsuService
	VersionName   string
	VersionCode   int
	Files         domain.FileManager
	Platform      domain.Platform
	ProviderAlive bool
}

// scoped keeps the requested fields. A requested handle that is nil fails.
func (c PluginContext) scoped(fields []string) (PluginContext, error) {
	out := PluginContext{ModuleID: c.ModuleID}
	for _, f := range fields {
		switch f {
		case FieldRootShell:
			if c.Root == nil {
				return out, fmt.Errorf("context field %s unavailable", f)
			}
			out.Root = c.Root
		case FieldFileManager:
			if c.Files == nil {
				return out, fmt.Errorf("context field %s unavailable", f)
			}
			out.Files = c.Files
		case FieldRootVersionName:
			out.VersionName = c.VersionName
		case FieldRootVersionCode:
			out.VersionCode = c.VersionCode
		case FieldRootPlatform:
			out.Platform = c.Platform
		case FieldProviderAlive:
			out.ProviderAlive = c.ProviderAlive
		}
	}
	return out, nil
}

// Page is the hosting page as seen by plugins.
type Page interface {
	ModuleID() string
	URL() string
	HasBridge(name string) bool
}

// PluginFactories are the supported construction signatures, tried in field order.
type PluginFactories struct {
	ContextPage func(ctx PluginContext, page Page) (Bridge, error)
	PageContext func(page Page, ctx PluginContext) (Bridge, error)
	Context     func(ctx PluginContext) (Bridge, error)
	Page        func(page Page) (Bridge, error)
	None        func() (Bridge, error)
}

func (f PluginFactories) empty() bool {
	return f.ContextPage == nil && f.PageContext == nil && f.Context == nil && f.Page == nil && f.None == nil
}

// PluginDescriptor describes a plugin implementation available to the loader.
type PluginDescriptor struct {
	// Class is the fully-qualified class name listed in plugins.json.
	Class string
	// InstanceName is the bridge name the plugin is attached under.
	InstanceName string
	// Fields lists the context fields the plugin needs.
	Fields    []string
	Factories PluginFactories
}

var (
	classNamePattern = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)
	jsIdentPattern   = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
)

// Validate checks the descriptor structurally.
func (d PluginDescriptor) Validate() error {
	if !classNamePattern.MatchString(d.Class) {
		return fmt.Errorf("invalid class name %q", d.Class)
	}
	if !jsIdentPattern.MatchString(d.InstanceName) {
		return fmt.Errorf("invalid instance name %q", d.InstanceName)
	}
	for _, f := range d.Fields {
		if !knownFields[f] {
			return fmt.Errorf("unknown context field %q", f)
		}
	}
	if d.Factories.empty() {
		return errors.New("no factory")
	}
	return nil
}

// PluginRegistry maps class names to descriptors.
type PluginRegistry struct {
	mu          sync.RWMutex
	descriptors map[string]PluginDescriptor
}

// NewPluginRegistry creates a registry holding the built-in plugins.
func NewPluginRegistry() *PluginRegistry {
	r := &PluginRegistry{descriptors: make(map[string]PluginDescriptor)}
	_ = r.Register(systemPropertiesPlugin())
	return r
}

// Register adds d. Registering the same class twice replaces the first.
func (r *PluginRegistry) Register(d PluginDescriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("plugin %s: %w", d.Class, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Class] = d
	return nil
}

// Lookup returns the descriptor for class.
func (r *PluginRegistry) Lookup(class string) (PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[class]
	return d, ok
}

// Classes returns the registered class names, sorted.
func (r *PluginRegistry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descriptors))
	for c := range r.descriptors {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// PluginResult is the outcome of loading one manifest entry.
type PluginResult struct {
	Class        string `json:"class"`
	InstanceName string `json:"instance_name,omitempty"`
	Archive      string `json:"archive,omitempty"`
	Digest       string `json:"digest,omitempty"`
	Attached     bool   `json:"attached"`
	Reason       string `json:"reason,omitempty"`
	Bridge       Bridge `json:"-"`
}

// Plugin manifest and archive locations inside a web root.
const (
	PluginManifest = "plugins.json"
	PluginDir      = "plugins"
)

var pluginExtensions = []string{".dex", ".jar", ".apk"}

// PluginLoader attaches plugin bridges listed by a module's manifest.
type PluginLoader struct {
	files    domain.FileManager
	registry *PluginRegistry
	logger   *zap.Logger
}

// NewPluginLoader creates a loader reading archives through files.
func NewPluginLoader(files domain.FileManager, registry *PluginRegistry, logger *zap.Logger) *PluginLoader {
	return &PluginLoader{files: files, registry: registry, logger: logger}
}

type pluginArchive struct {
	path    string
	digest  string
	classes map[string]bool
}

// Load reads webroot/plugins.json and returns one result per listed class.
// A missing manifest yields no results. Nothing here returns an error; every
// failure ends up in the Reason of a result.
func (l *PluginLoader) Load(webroot string, pctx PluginContext, page Page) []PluginResult {
	manifest := path.Join(webroot, PluginManifest)
	if !l.files.Exists(manifest) {
		return nil
	}
	classes, err := l.readManifest(manifest)
	if err != nil {
		l.logger.Warn("invalid plugin manifest", zap.String("module", pctx.ModuleID), zap.Error(err))
		return []PluginResult{{Reason: err.Error()}}
	}

	archives := l.scanArchives(path.Join(webroot, PluginDir), pctx.ModuleID)
	attached := make(map[string]bool)
	results := make([]PluginResult, 0, len(classes))
	for _, class := range classes {
		res := l.loadOne(class, archives, pctx, page, attached)
		if res.Attached {
			attached[res.InstanceName] = true
			l.logger.Info("plugin attached",
				zap.String("module", pctx.ModuleID),
				zap.String("class", class),
				zap.String("instance", res.InstanceName),
				zap.String("archive", res.Archive))
		} else {
			l.logger.Debug("plugin skipped",
				zap.String("module", pctx.ModuleID),
				zap.String("class", class),
				zap.String("reason", res.Reason))
		}
		results = append(results, res)
	}
	return results
}

func (l *PluginLoader) readManifest(p string) ([]string, error) {
	text, err := l.files.ReadText(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", PluginManifest, err)
	}
	var classes []string
	if err := json.Unmarshal([]byte(text), &classes); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", PluginManifest, err)
	}
	return classes, nil
}

func (l *PluginLoader) scanArchives(dir, moduleID string) []pluginArchive {
	entries, err := l.files.List(dir, true)
	if err != nil {
		l.logger.Warn("failed to list plugin archives", zap.String("module", moduleID), zap.Error(err))
		return nil
	}
	sort.Strings(entries)

	var archives []pluginArchive
	for _, p := range entries {
		if !hasPluginExtension(p) {
			continue
		}
		data, err := l.files.ReadBytes(p)
		if err != nil {
			l.logger.Warn("failed to read plugin archive", zap.String("archive", p), zap.Error(err))
			continue
		}
		classes, err := ArchiveClasses(data)
		if err != nil {
			l.logger.Warn("unreadable plugin archive", zap.String("archive", p), zap.Error(err))
			continue
		}
		sum := blake3.Sum256(data)
		archives = append(archives, pluginArchive{path: p, digest: hex.EncodeToString(sum[:]), classes: classes})
	}
	return archives
}

func hasPluginExtension(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, e := range pluginExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (l *PluginLoader) loadOne(class string, archives []pluginArchive, pctx PluginContext, page Page, attached map[string]bool) (res PluginResult) {
	res = PluginResult{Class: class}
	defer func() {
		if r := recover(); r != nil {
			res.Attached = false
			res.Bridge = nil
			res.Reason = fmt.Sprintf("plugin panicked: %v", r)
		}
	}()

	var found *pluginArchive
	for i := range archives {
		if archives[i].classes[class] {
			found = &archives[i]
			break
		}
	}
	if found == nil {
		res.Reason = "class not found"
		return res
	}
	res.Archive, res.Digest = found.path, found.digest

	desc, ok := l.registry.Lookup(class)
	if !ok {
		res.Reason = "no descriptor registered for class"
		return res
	}
	if err := desc.Validate(); err != nil {
		res.Reason = err.Error()
		return res
	}
	res.InstanceName = desc.InstanceName
	if attached[desc.InstanceName] || (page != nil && page.HasBridge(desc.InstanceName)) {
		res.Reason = "instance name already attached"
		return res
	}

	scoped, err := pctx.scoped(desc.Fields)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	bridge, err := instantiate(desc.Factories, scoped, page)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	res.Bridge = renamed{Bridge: bridge, name: desc.InstanceName}
	res.Attached = true
	return res
}

// instantiate tries the factories in priority order and returns the first bridge.
func instantiate(f PluginFactories, ctx PluginContext, page Page) (Bridge, error) {
	attempts := []func() (Bridge, error){}
	if f.ContextPage != nil {
		attempts = append(attempts, func() (Bridge, error) { return f.ContextPage(ctx, page) })
	}
	if f.PageContext != nil {
		attempts = append(attempts, func() (Bridge, error) { return f.PageContext(page, ctx) })
	}
	if f.Context != nil {
		attempts = append(attempts, func() (Bridge, error) { return f.Context(ctx) })
	}
	if f.Page != nil {
		attempts = append(attempts, func() (Bridge, error) { return f.Page(page) })
	}
	if f.None != nil {
		attempts = append(attempts, f.None)
	}

	var errs []error
	for _, try := range attempts {
		b, err := try()
		if err == nil && b != nil {
			return b, nil
		}
		if err == nil {
			err = errors.New("factory returned no bridge")
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("no factory succeeded: %w", errors.Join(errs...))
}

// renamed attaches a bridge under its descriptor's instance name.
type renamed struct {
	Bridge
	name string
}

func (r renamed) Name() string { return r.name }

// ArchiveClasses lists the classes defined in a dex file or a zip (jar/apk).
// Zip archives contribute their .class entries and any nested classes*.dex.
func ArchiveClasses(data []byte) (map[string]bool, error) {
	if isDex(data) {
		return dexClasses(data)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("not a dex or zip archive: %w", err)
	}
	classes := make(map[string]bool)
	for _, f := range zr.File {
		switch {
		case strings.HasSuffix(f.Name, ".class"):
			name := strings.TrimSuffix(f.Name, ".class")
			classes[strings.ReplaceAll(name, "/", ".")] = true
		case isNestedDex(f.Name):
			inner, err := readZipFile(f)
			if err != nil {
				return nil, err
			}
			found, err := dexClasses(inner)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			for c := range found {
				classes[c] = true
			}
		}
	}
	return classes, nil
}

func isNestedDex(name string) bool {
	return !strings.Contains(name, "/") && strings.HasPrefix(name, "classes") && strings.HasSuffix(name, ".dex")
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

const (
	dexHeaderSize     = 0x70
	dexStringIDsSize  = 0x38
	dexStringIDsOff   = 0x3C
	dexMagicPrefixLen = 4
)

func isDex(data []byte) bool {
	return len(data) >= dexMagicPrefixLen && string(data[:dexMagicPrefixLen]) == "dex\n"
}

// dexClasses collects every type descriptor of the form Lpkg/Name; from the
// string pool. This over-approximates defined classes, which is enough to
// decide whether an archive can provide one.
func dexClasses(data []byte) (map[string]bool, error) {
	if !isDex(data) || len(data) < dexHeaderSize {
		return nil, errors.New("truncated dex header")
	}
	count := binary.LittleEndian.Uint32(data[dexStringIDsSize:])
	off := binary.LittleEndian.Uint32(data[dexStringIDsOff:])
	if uint64(off)+uint64(count)*4 > uint64(len(data)) {
		return nil, errors.New("dex string table out of range")
	}

	classes := make(map[string]bool)
	for i := uint32(0); i < count; i++ {
		strOff := binary.LittleEndian.Uint32(data[off+i*4:])
		s, err := dexString(data, strOff)
		if err != nil {
			return nil, err
		}
		if len(s) > 2 && s[0] == 'L' && s[len(s)-1] == ';' {
			classes[strings.ReplaceAll(s[1:len(s)-1], "/", ".")] = true
		}
	}
	return classes, nil
}

// dexString reads a string_data_item: uleb128 utf16 length, then NUL-terminated MUTF-8.
func dexString(data []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(data)) {
		return "", errors.New("dex string offset out of range")
	}
	p := int(off)
	for n := 0; ; n++ {
		if p >= len(data) || n == 5 {
			return "", errors.New("bad uleb128 in dex string")
		}
		b := data[p]
		p++
		if b&0x80 == 0 {
			break
		}
	}
	end := bytes.IndexByte(data[p:], 0)
	if end < 0 {
		return "", errors.New("unterminated dex string")
	}
	return string(data[p : p+end]), nil
}
