package cursor

import "github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"

// Checkpoint is the persisted resume point of an import. Offset always sits
// on a line boundary with no document context open, so the parse state to
// restore is just the header context.
type Checkpoint struct {
	Offset     int64  `json:"offset"`
	Chunk      int    `json:"chunk"`
	Period     string `json:"period"`
	FilerID    string `json:"filer_id,omitempty"`
	FilerName  string `json:"filer_name,omitempty"`
	HeaderSeen bool   `json:"header_seen"`

	// DocumentOpen records that the last chunk ended inside a document and
	// the offset was rewound to before it opened.
	DocumentOpen bool `json:"document_open"`
}

// State returns the parser context to resume with.
func (c Checkpoint) State() sped.State {
	return sped.State{
		Period:     c.Period,
		FilerID:    c.FilerID,
		FilerName:  c.FilerName,
		HeaderSeen: c.HeaderSeen,
	}
}

// Advance returns the checkpoint for the next chunk.
func (c Checkpoint) Advance(offset int64, st sped.State, documentOpen bool) Checkpoint {
	return Checkpoint{
		Offset:       offset,
		Chunk:        c.Chunk + 1,
		Period:       st.Period,
		FilerID:      st.FilerID,
		FilerName:    st.FilerName,
		HeaderSeen:   st.HeaderSeen,
		DocumentOpen: documentOpen,
	}
}
