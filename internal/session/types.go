package session

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkError      ChunkStatus = "error"
)

// Terminal reports whether no further transition may leave this status.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkError
}

func (s ChunkStatus) rank() int {
	switch s {
	case ChunkPending:
		return 0
	case ChunkProcessing:
		return 1
	case ChunkCompleted, ChunkError:
		return 2
	default:
		return -1
	}
}

type SummaryStatus string

const (
	SummaryPending   SummaryStatus = "pending"
	SummaryCompleted SummaryStatus = "completed"
	SummaryFailed    SummaryStatus = "failed"
)

// Session is the consultation aggregate. Values are treated as immutable:
// every operation returns a new Session and leaves the receiver untouched.
// Version is owned by the store and is only compared, never bumped, here.
type Session struct {
	ID          string            `json:"id" dynamodbav:"id"`
	Version     int64             `json:"version" dynamodbav:"version"`
	Status      Status            `json:"status" dynamodbav:"status"`
	StartedAt   time.Time         `json:"startedAt" dynamodbav:"startedAt"`
	EndedAt     *time.Time        `json:"endedAt,omitempty" dynamodbav:"endedAt,omitempty"`
	TotalChunks *int              `json:"totalChunks,omitempty" dynamodbav:"totalChunks,omitempty"`
	Chunks      []AudioChunk      `json:"chunks" dynamodbav:"chunks"`
	Notes       []Note            `json:"notes" dynamodbav:"notes"`
	Summary     *Summary          `json:"summary,omitempty" dynamodbav:"summary,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt" dynamodbav:"updatedAt"`
}

type AudioChunk struct {
	ChunkNumber int         `json:"chunkNumber" dynamodbav:"chunkNumber"`
	BlobKey     string      `json:"blobKey" dynamodbav:"blobKey"`
	Status      ChunkStatus `json:"status" dynamodbav:"status"`
	Size        int64       `json:"size" dynamodbav:"size"`
	MimeType    string      `json:"mimeType" dynamodbav:"mimeType"`
	UploadedAt  time.Time   `json:"uploadedAt" dynamodbav:"uploadedAt"`
	Transcript  string      `json:"transcript,omitempty" dynamodbav:"transcript,omitempty"`
	Error       string      `json:"error,omitempty" dynamodbav:"error,omitempty"`
}

type Note struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Text      string    `json:"text" dynamodbav:"text"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

type Summary struct {
	Status      SummaryStatus `json:"status" dynamodbav:"status"`
	URL         string        `json:"url,omitempty" dynamodbav:"url,omitempty"`
	GeneratedAt *time.Time    `json:"generatedAt,omitempty" dynamodbav:"generatedAt,omitempty"`
}

// ChunkInput describes a freshly stored chunk being attached to a session.
type ChunkInput struct {
	ChunkNumber int
	BlobKey     string
	Size        int64
	MimeType    string
	IsLastChunk bool
}

type SkipReason string

const (
	SkipChunkMissing SkipReason = "chunk_missing"
	SkipNotForward   SkipReason = "not_forward"
)

// Outcome reports whether a chunk transition changed anything.
type Outcome struct {
	Applied bool
	Reason  SkipReason
}

type Progress struct {
	Total      *int `json:"total,omitempty"`
	Received   int  `json:"received"`
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
}
