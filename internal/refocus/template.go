package refocus

import "sync"

// TemplateStore owns the reference image and line used by the template
// fit modes. A capture run overwrites the stored reference; normal runs
// only read it. An uncaptured (all-zero) template is still served: the
// caller is responsible for capturing before first real use.
type TemplateStore struct {
	mu sync.Mutex

	image *XYImage

	line *ZProfile
	// lineOffsets holds the template's Z axis relative to its capture
	// centre, used to realign the stored line for reporting.
	lineOffsets []float64
}

// NewTemplateStore returns an empty store. References are created lazily
// on first access.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{}
}

// EnsureImage lazily creates a zeroed template image over the given grid
// if none has ever been captured. An existing template is left untouched.
func (s *TemplateStore) EnsureImage(grid *XYGrid, channels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.image == nil {
		s.image = NewXYImage(grid, channels)
	}
}

// SetImage overwrites the stored template image.
func (s *TemplateStore) SetImage(img *XYImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = img.Clone()
}

// Image returns a copy of the stored template image, or nil when nothing
// has ever been captured or ensured.
func (s *TemplateStore) Image() *XYImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image.Clone()
}

// EnsureLine lazily creates a zeroed template line over the given Z line
// if none has ever been captured. Offsets are recorded relative to the
// capture centre.
func (s *TemplateStore) EnsureLine(line *ZLine, centerZ float64, channels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.line != nil {
		return
	}
	s.line = NewZProfile(line, channels)
	s.lineOffsets = make([]float64, len(line.Z))
	for i, z := range line.Z {
		s.lineOffsets[i] = z - centerZ
	}
}

// SetLine overwrites the stored template line.
func (s *TemplateStore) SetLine(p *ZProfile, centerZ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.line = p.Clone()
	s.lineOffsets = make([]float64, len(p.Z))
	for i, z := range p.Z {
		s.lineOffsets[i] = z - centerZ
	}
}

// Line returns a copy of the stored template line, or nil.
func (s *TemplateStore) Line() *ZProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line.Clone()
}

// LineOffsets returns the template line's Z axis relative to its capture
// centre.
func (s *TemplateStore) LineOffsets() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.lineOffsets...)
}

// Restore installs previously persisted references, bypassing the lazy
// creation path. Nil arguments leave the respective slot empty.
func (s *TemplateStore) Restore(img *XYImage, line *ZProfile, lineOffsets []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = img.Clone()
	s.line = line.Clone()
	s.lineOffsets = append([]float64(nil), lineOffsets...)
}
