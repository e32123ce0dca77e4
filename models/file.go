package models

// DiscoveredFile is a convertible file found in the repository.
type DiscoveredFile struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ItemID            string `json:"itemId"`
	FileType          string `json:"fileType"`
	FolderID          string `json:"folderId"`
	IsCompositeDesign bool   `json:"isCompositeDesign"`
	WebView           string `json:"webView,omitempty"`
}

type DiscoveredFolder struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	WebView string `json:"webView,omitempty"`
}

// FileSet is an insertion-ordered set of files keyed by item identity.
type FileSet struct {
	order []string
	files map[string]DiscoveredFile
}

func NewFileSet() *FileSet {
	return &FileSet{files: make(map[string]DiscoveredFile)}
}

// Add inserts f unless a file with the same item id is present. It reports
// whether f was inserted.
func (s *FileSet) Add(f DiscoveredFile) bool {
	if _, ok := s.files[f.ItemID]; ok {
		return false
	}
	s.files[f.ItemID] = f
	s.order = append(s.order, f.ItemID)
	return true
}

// Put inserts f, replacing any file with the same item id.
func (s *FileSet) Put(f DiscoveredFile) {
	if _, ok := s.files[f.ItemID]; !ok {
		s.order = append(s.order, f.ItemID)
	}
	s.files[f.ItemID] = f
}

func (s *FileSet) Contains(itemID string) bool {
	_, ok := s.files[itemID]
	return ok
}

func (s *FileSet) Len() int {
	return len(s.order)
}

func (s *FileSet) Files() []DiscoveredFile {
	out := make([]DiscoveredFile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.files[id])
	}
	return out
}
