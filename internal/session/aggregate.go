package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"
)

var pidTidRe = regexp.MustCompile(`^(\d+)_(\d+)$`)

// aggregate merges per-subclient JSON result fragments into the session
// metadata document and the per-thread sample documents. Subtrees are
// spliced as raw JSON so field order and numeric representation survive
// byte-for-byte; only off-CPU timestamps are rewritten, by rebaseOffCPU.
type aggregate struct {
	metadata []byte
	threads  map[string][]byte
	order    []string
	tids     map[string]struct{}
	logger   zerolog.Logger
}

func newAggregate(logger zerolog.Logger) *aggregate {
	return &aggregate{
		metadata: []byte(`{"thread_tree":[],"callchains":{},"offcpu_regions":{},"sampled_times":{}}`),
		threads:  make(map[string][]byte),
		tids:     make(map[string]struct{}),
		logger:   logger,
	}
}

// addSyscalls consumes one fragment's syscall_meta and syscall categories:
// the former feed the thread tree, the latter the callchain table. All
// fragments pass through here before any samples are merged, so a thread
// known to any subclient's syscall tree is never synthesized.
func (a *aggregate) addSyscalls(frag []byte) error {
	if len(frag) == 0 {
		return nil
	}
	root := gjson.ParseBytes(frag)
	var ferr error

	root.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "syscall_meta":
			table := value.Get("1")
			value.Get("0").ForEach(func(_, tid gjson.Result) bool {
				entry := table.Get(escapePath(tid.String()))
				if !entry.Exists() {
					ferr = fmt.Errorf("syscall_meta: no tree entry for thread %s", tid.String())
					return false
				}
				raw, err := sjson.SetRaw(entry.Raw, "identifier", tid.Raw)
				if err == nil {
					err = a.setMetaRaw("thread_tree.-1", raw)
				}
				if err != nil {
					ferr = err
					return false
				}
				a.tids[tid.String()] = struct{}{}
				return true
			})
		case "syscall":
			value.ForEach(func(id, chain gjson.Result) bool {
				ferr = a.setMetaRaw("callchains."+escapePath(id.String()), chain.Raw)
				return ferr == nil
			})
		}
		return ferr == nil
	})
	return ferr
}

// addSamples consumes one fragment's sample* categories. Every key there
// is a <PID>_<TID> whose sampled_time and offcpu_regions move into the
// metadata document while the remaining fields (minus the internal-only
// first_time) form that thread's output document. A sampled thread absent
// from every subclient's syscall tree gets a synthesized "unknown" leaf,
// exactly once.
func (a *aggregate) addSamples(frag []byte) error {
	if len(frag) == 0 {
		return nil
	}
	root := gjson.ParseBytes(frag)
	var ferr error

	root.ForEach(func(key, value gjson.Result) bool {
		if !strings.HasPrefix(key.String(), "sample") {
			return true
		}
		value.ForEach(func(pidTid, fields gjson.Result) bool {
			m := pidTidRe.FindStringSubmatch(pidTid.String())
			if m == nil {
				a.logger.Error().Str("key", pidTid.String()).
					Msg("Could not process PID/TID key, this should not happen")
				return true
			}
			if _, known := a.tids[m[2]]; !known {
				synth := fmt.Sprintf(`{"identifier":"%s","parent":null,"tag":["?","%s/%s",-1,-1]}`,
					m[2], m[1], m[2])
				if ferr = a.setMetaRaw("thread_tree.-1", synth); ferr != nil {
					return false
				}
				a.tids[m[2]] = struct{}{}
			}
			escKey := escapePath(pidTid.String())
			fields.ForEach(func(fkey, fval gjson.Result) bool {
				switch fkey.String() {
				case "sampled_time":
					ferr = a.setMetaRaw("sampled_times."+escKey, fval.Raw)
				case "offcpu_regions":
					ferr = a.setMetaRaw("offcpu_regions."+escKey, fval.Raw)
				case "first_time":
					// Internal to the profiler, never persisted.
				default:
					doc, ok := a.threads[pidTid.String()]
					if !ok {
						doc = []byte("{}")
						a.order = append(a.order, pidTid.String())
					}
					out, err := sjson.SetRawBytes(doc, escapePath(fkey.String()), []byte(fval.Raw))
					if err != nil {
						ferr = err
					} else {
						a.threads[pidTid.String()] = out
					}
				}
				return ferr == nil
			})
			return ferr == nil
		})
		return ferr == nil
	})
	return ferr
}

// rebaseOffCPU rewrites every off-CPU region timestamp to be relative to
// the session start time reported by the requester. Unsigned arithmetic,
// so a timestamp before the start wraps rather than failing.
func (a *aggregate) rebaseOffCPU(start uint64) error {
	regions := gjson.GetBytes(a.metadata, "offcpu_regions")
	var ferr error
	regions.ForEach(func(key, arr gjson.Result) bool {
		esc := escapePath(key.String())
		i := 0
		arr.ForEach(func(_, pair gjson.Result) bool {
			ts := pair.Get("0").Uint()
			path := fmt.Sprintf("offcpu_regions.%s.%d.0", esc, i)
			out, err := sjson.SetRawBytes(a.metadata, path, []byte(strconv.FormatUint(ts-start, 10)))
			if err != nil {
				ferr = fmt.Errorf("rebase %s: %w", path, err)
				return false
			}
			a.metadata = out
			i++
			return true
		})
		return ferr == nil
	})
	return ferr
}

// writeFiles persists metadata.json plus one <PID>_<TID>.json per sampled
// thread under processedDir, each write on its own goroutine.
func (a *aggregate) writeFiles(processedDir string) error {
	var g errgroup.Group
	g.Go(func() error {
		return writeJSONFile(filepath.Join(processedDir, "metadata.json"), a.metadata)
	})
	for _, key := range a.order {
		doc := a.threads[key]
		name := key + ".json"
		g.Go(func() error {
			return writeJSONFile(filepath.Join(processedDir, name), doc)
		})
	}
	return g.Wait()
}

func (a *aggregate) setMetaRaw(path, raw string) error {
	out, err := sjson.SetRawBytes(a.metadata, path, []byte(raw))
	if err != nil {
		return fmt.Errorf("splice %s: %w", path, err)
	}
	a.metadata = out
	return nil
}

func writeJSONFile(path string, doc []byte) error {
	buf := make([]byte, 0, len(doc)+1)
	buf = append(buf, doc...)
	buf = append(buf, '\n')
	return os.WriteFile(path, buf, 0o644)
}

// escapePath escapes gjson/sjson path metacharacters so arbitrary JSON
// keys (callchain ids may contain any printable byte) address literally.
func escapePath(key string) string {
	if !strings.ContainsAny(key, `.*?\|@#`) {
		return key
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\', '|', '@', '#':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}
