// Package recording finds, prepares and watches call recordings on the device.
package recording

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/syncerr"
	"github.com/sahilm/fuzzy"
)

// ErrRecordingNotFound is returned when every locator tier comes up empty.
var ErrRecordingNotFound = syncerr.New(syncerr.KindRecordingNotFound, syncerr.OpLocate, nil)

// DefaultExtensions are the audio formats dialers and recorder apps write.
var DefaultExtensions = []string{"mp3", "amr", "wav", "aac", "m4a", "ogg", "3gp", "opus"}

// DeviceDirs are stock dialer recording folders relative to the storage root,
// searched before ThirdPartyDirs.
var DeviceDirs = []string{
	"Recordings/Call recordings",
	"Recordings/Call Recordings",
	"Music/Recordings/Call Recordings",
	"Recordings/Voice Recorder",
	"Recordings",
	"Call",
	"Voice Recorder",
	"MIUI/sound_recorder/call_rec",
	"MIUI/sound_recorder",
	"Record/Call",
	"Record/PhoneRecord",
	"ColorOS/PhoneRecord",
	"Sounds/CallRecord",
	"record",
}

// ThirdPartyDirs are folders used by recorder apps.
var ThirdPartyDirs = []string{
	"ACRCalls",
	"CubeCallRecorder/All",
	"CubeCallRecorder/Recordings",
	"Truecaller/recordings",
	"CallU/Recordings",
	"Boldbeast",
	"NLL/CallRecorder",
	"RMC/CallRecordings",
	"callrecorder",
	"Automatic Call Recorder",
	"Call Recorder - ACR/recordings",
	"CallRecorder",
	"Call Recordings",
}

// Window is one fuzzy matching tier. A file qualifies when its timestamp falls
// within Time of the call (start minus Time up to end plus Time) and, when the
// file reveals its own length, that length is within Duration of the call's.
type Window struct {
	Time     time.Duration
	Duration time.Duration
}

// LocatorConfig holds locator tolerances. These are tunables, not contract.
type LocatorConfig struct {
	// Roots are searched in order. Empty means DefaultRoots(StorageRoot).
	Roots       []string
	StorageRoot string
	Extensions  []string

	// ExactTolerance bounds the gap between a timestamp embedded in a file
	// name and the call start for the exact tier.
	ExactTolerance time.Duration

	// Windows are tried narrowest first. Only the first window accepts a
	// file without a phone number or contact name hint in its name.
	Windows []Window

	Location *time.Location
}

// DefaultLocatorConfig returns the stock tolerances.
func DefaultLocatorConfig() LocatorConfig {
	return LocatorConfig{
		Extensions:     DefaultExtensions,
		ExactTolerance: 3 * time.Second,
		Windows: []Window{
			{Time: 60 * time.Second, Duration: 5 * time.Second},
			{Time: 120 * time.Second, Duration: 15 * time.Second},
			{Time: 10 * time.Minute, Duration: 60 * time.Second},
		},
		Location: time.Local,
	}
}

// DefaultRoots expands the known dialer and recorder folders under storageRoot.
func DefaultRoots(storageRoot string) []string {
	var roots []string
	seen := make(map[string]bool)
	for _, group := range [][]string{DeviceDirs, ThirdPartyDirs} {
		for _, d := range group {
			p := filepath.Join(storageRoot, filepath.FromSlash(d))
			if !seen[p] {
				seen[p] = true
				roots = append(roots, p)
			}
		}
	}
	return roots
}

// Locator maps a call to its recording file on disk.
type Locator struct {
	cfg LocatorConfig
	ext map[string]bool
}

// NewLocator creates a Locator, filling unset fields from DefaultLocatorConfig.
func NewLocator(cfg LocatorConfig) *Locator {
	def := DefaultLocatorConfig()
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = def.Extensions
	}
	if cfg.ExactTolerance <= 0 {
		cfg.ExactTolerance = def.ExactTolerance
	}
	if len(cfg.Windows) == 0 {
		cfg.Windows = def.Windows
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if len(cfg.Roots) == 0 && cfg.StorageRoot != "" {
		cfg.Roots = DefaultRoots(cfg.StorageRoot)
	}
	ext := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		ext["."+strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return &Locator{cfg: cfg, ext: ext}
}

// Roots returns the directories the locator searches
func (l *Locator) Roots() []string {
	return l.cfg.Roots
}

// IsAudio reports whether path has one of the configured audio extensions.
func (l *Locator) IsAudio(path string) bool {
	return l.ext[strings.ToLower(filepath.Ext(path))]
}

// candidate is an audio file considered for a call
type candidate struct {
	path    string
	base    string // lower-case file name
	mtime   time.Time
	nameTS  time.Time // zero when the name carries no timestamp
	root    int       // index of the root it was found under
	phone   int       // phone variant match strength, 0 = none
	name    int       // contact name match strength, 0 = none
	delta   time.Duration
	fileDur time.Duration // mtime - nameTS when both known
}

func (c *candidate) refTime() time.Time {
	if !c.nameTS.IsZero() {
		return c.nameTS
	}
	return c.mtime
}

// Locate returns the recording for call, or ErrRecordingNotFound. Paths in
// claimed belong to other calls and are skipped. Tiers run in order: exact
// file-name timestamp, then each fuzzy window from narrowest to widest. Ties
// break on hint strength, then time distance, then path, so the result is
// deterministic for a given directory state.
func (l *Locator) Locate(call *models.CallRecord, claimed map[string]bool) (string, error) {
	if !call.ExpectsRecording() {
		return "", ErrRecordingNotFound
	}

	start := call.StartedTime()
	end := call.EndedTime()
	widest := l.cfg.Windows[len(l.cfg.Windows)-1].Time
	if l.cfg.ExactTolerance > widest {
		widest = l.cfg.ExactTolerance
	}

	cands := l.scan(start.Add(-widest), end.Add(widest), claimed)
	if len(cands) == 0 {
		return "", ErrRecordingNotFound
	}
	l.scoreHints(cands, call)

	// Tier 1: timestamp in the file name equals the call start
	var exact []*candidate
	for _, c := range cands {
		if c.nameTS.IsZero() {
			continue
		}
		if d := absDur(c.nameTS.Sub(start)); d <= l.cfg.ExactTolerance {
			c.delta = d
			exact = append(exact, c)
		}
	}
	if best := pick(exact); best != nil {
		return best.path, nil
	}

	// Tier 2+: widening windows
	callDur := time.Duration(call.DurationSeconds) * time.Second
	for i, w := range l.cfg.Windows {
		var hits []*candidate
		for _, c := range cands {
			ref := c.refTime()
			if ref.Before(start.Add(-w.Time)) || ref.After(end.Add(w.Time)) {
				continue
			}
			if c.fileDur > 0 && absDur(c.fileDur-callDur) > w.Duration {
				continue
			}
			if i > 0 && c.phone == 0 && c.name == 0 {
				continue
			}
			c.delta = minDur(absDur(ref.Sub(start)), absDur(c.mtime.Sub(end)))
			hits = append(hits, c)
		}
		if best := pick(hits); best != nil {
			return best.path, nil
		}
	}

	return "", ErrRecordingNotFound
}

// pick orders candidates by hint strength, time distance, root priority and
// path, returning the first.
func pick(cs []*candidate) *candidate {
	if len(cs) == 0 {
		return nil
	}
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.phone != b.phone {
			return a.phone > b.phone
		}
		if a.name != b.name {
			return a.name > b.name
		}
		if a.delta != b.delta {
			return a.delta < b.delta
		}
		if a.root != b.root {
			return a.root < b.root
		}
		return a.path < b.path
	})
	return cs[0]
}

// scan lists audio files under every root whose modification time or
// name timestamp falls in [from, to].
func (l *Locator) scan(from, to time.Time, claimed map[string]bool) []*candidate {
	var out []*candidate
	seen := make(map[string]bool)
	for i, root := range l.cfg.Roots {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Missing or unreadable folders are normal on most devices
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !l.IsAudio(path) || seen[path] || claimed[path] {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() == 0 {
				return nil
			}
			c := &candidate{
				path:  path,
				base:  strings.ToLower(d.Name()),
				mtime: info.ModTime(),
				root:  i,
			}
			c.nameTS = parseNameTimestamp(d.Name(), l.cfg.Location)
			if !c.nameTS.IsZero() && c.mtime.After(c.nameTS) {
				c.fileDur = c.mtime.Sub(c.nameTS)
			}
			ref := c.refTime()
			if ref.Before(from) || ref.After(to) {
				return nil
			}
			seen[path] = true
			out = append(out, c)
			return nil
		})
	}
	return out
}

// scoreHints sets phone and name match strength on each candidate.
func (l *Locator) scoreHints(cs []*candidate, call *models.CallRecord) {
	variants := models.PhoneVariants(call.PhoneNumber)
	for _, c := range cs {
		digits := models.NormalizePhone(c.base)
		for i, v := range variants {
			if strings.Contains(digits, v) {
				c.phone = len(variants) - i
				break
			}
		}
	}

	src := candidateNames(cs)
	for i, pattern := range namePatterns(call.ContactName) {
		strength := 1
		if i == 0 {
			strength = 2
		}
		for _, m := range fuzzy.FindFrom(pattern.text, src) {
			if tightMatch(m.MatchedIndexes, len(pattern.text), pattern.gaps) && cs[m.Index].name < strength {
				cs[m.Index].name = strength
			}
		}
	}
}

// candidateNames adapts candidates for the fuzzy library
type candidateNames []*candidate

func (c candidateNames) String(i int) string { return c[i].base }
func (c candidateNames) Len() int            { return len(c) }

type namePattern struct {
	text string
	gaps int // separators allowed between matched runes
}

// namePatterns returns the full name squashed together followed by each name
// part of three or more letters.
func namePatterns(name string) []namePattern {
	parts := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	if len(parts) == 0 {
		return nil
	}
	out := []namePattern{{text: strings.Join(parts, ""), gaps: len(parts) - 1}}
	if len(parts) > 1 {
		for _, p := range parts {
			if len([]rune(p)) >= 3 {
				out = append(out, namePattern{text: p})
			}
		}
	}
	return out
}

// tightMatch rejects fuzzy matches scattered across the file name.
func tightMatch(idx []int, n, gaps int) bool {
	if len(idx) == 0 {
		return false
	}
	span := idx[len(idx)-1] - idx[0] + 1
	return span <= n+gaps
}

var (
	reCompact = regexp.MustCompile(`(\d{8})[_\-\s]?(\d{6})`)
	reDashed  = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})[\s_\-](\d{2})[\-_.:](\d{2})[\-_.:](\d{2})`)
	reEpochMs = regexp.MustCompile(`(?:^|\D)(1\d{12})(?:\D|$)`)
)

// parseNameTimestamp extracts a recording start time from common dialer
// naming schemes (yyyyMMdd_HHmmss, yyyy-MM-dd HH-mm-ss, epoch millis).
func parseNameTimestamp(name string, loc *time.Location) time.Time {
	if m := reDashed.FindStringSubmatch(name); m != nil {
		if t, err := time.ParseInLocation("20060102150405", strings.Join(m[1:], ""), loc); err == nil && plausible(t) {
			return t
		}
	}
	for _, m := range reCompact.FindAllStringSubmatch(name, -1) {
		if t, err := time.ParseInLocation("20060102150405", m[1]+m[2], loc); err == nil && plausible(t) {
			return t
		}
	}
	if m := reEpochMs.FindStringSubmatch(name); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			if t := time.UnixMilli(ms); plausible(t) {
				return t
			}
		}
	}
	return time.Time{}
}

func plausible(t time.Time) bool {
	return t.Year() >= 2000 && t.Year() < 2100
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
