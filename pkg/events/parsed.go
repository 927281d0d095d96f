package events

// ParsedDocument is the normalized output of the parse stage, stored as a
// parsed artifact and forwarded in delivery requests.
type ParsedDocument struct {
	Title         string          `json:"title"`
	SourceURL     string          `json:"source_url"`
	PublishedDate *string         `json:"published_date"`
	Language      string          `json:"language"`
	Sections      []ParsedSection `json:"sections"`
}

// ParsedSection is one heading-delimited region of a parsed document.
// ID is the 1-based position of the section within the document; Level
// follows heading depth, 1 through 4.
type ParsedSection struct {
	ID              int         `json:"id"`
	Level           int         `json:"level"`
	Heading         string      `json:"heading"`
	Text            string      `json:"text"`
	SHA256          string      `json:"sha256"`
	ByteOffsetStart int         `json:"byte_offset_start"`
	ByteOffsetEnd   int         `json:"byte_offset_end"`
	Tables          []TableData `json:"tables,omitempty"`
	Language        string      `json:"language,omitempty"`
}

// TableData is a table extracted from within a section.
type TableData struct {
	Type    string     `json:"type"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}
