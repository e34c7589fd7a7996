package domain

import (
	"bytes"
	"io"
	"time"
)

// Labels фиксированный набор классов модели (болезни и спелость клубники)
var Labels = []string{
	"Anthracnose Fruit Rot",
	"Gray Mold",
	"Powdery Mildew Fruit",
	"Powdery Mildew Leaf",
	"Ripe",
	"Unripe",
	"Rotten",
}

// ClassificationResult процент по каждому классу в диапазоне [0, 100].
// Значения независимы и не обязаны давать в сумме 100.
type ClassificationResult map[string]float64

// Baseline возвращает результат, где все классы равны нулю
func Baseline() ClassificationResult {
	r := make(ClassificationResult, len(Labels))
	for _, l := range Labels {
		r[l] = 0
	}
	return r
}

// Normalize возвращает полностью заполненную копию: отсутствующие классы = 0,
// неизвестные отбрасываются, значения ограничиваются [0, 100].
func (r ClassificationResult) Normalize() ClassificationResult {
	out := Baseline()
	for _, l := range Labels {
		v, ok := r[l]
		if !ok || v != v { // NaN
			continue
		}
		switch {
		case v < 0:
			v = 0
		case v > 100:
			v = 100
		}
		out[l] = v
	}
	return out
}

// Clone копирует результат
func (r ClassificationResult) Clone() ClassificationResult {
	if r == nil {
		return nil
	}
	out := make(ClassificationResult, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Mode режим текущей отправки
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeImage Mode = "image"
	ModeVideo Mode = "video"
)

// Status состояние конечного автомата сессии
type Status string

const (
	StatusIdle         Status = "idle"
	StatusValidating   Status = "validating"
	StatusSubmitting   Status = "submitting"
	StatusSucceeded    Status = "succeeded"
	StatusPollingVideo Status = "polling_video"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal из этого состояния сессию двигает только новая отправка
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ArtifactKind string

const (
	ArtifactNone   ArtifactKind = ""
	ArtifactImage  ArtifactKind = "image"
	ArtifactStream ArtifactKind = "stream"
)

// Artifact последний результат для просмотра: размеченное изображение или поток.
// Одновременно хранится только один из них.
type Artifact struct {
	Kind ArtifactKind `json:"kind,omitempty"`
	URL  string       `json:"url,omitempty"`
}

func ImageArtifact(url string) Artifact { return Artifact{Kind: ArtifactImage, URL: url} }
func StreamArtifact(url string) Artifact { return Artifact{Kind: ArtifactStream, URL: url} }

// File файл-кандидат на загрузку в том виде, как его заявил UI
type File struct {
	Name      string
	MediaType string
	Size      int64
	Open      func() (io.ReadCloser, error)
}

func FileFromBytes(name, mediaType string, data []byte) File {
	return File{
		Name:      name,
		MediaType: mediaType,
		Size:      int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Snapshot read-only копия состояния сессии для UI
type Snapshot struct {
	SessionID   string               `json:"session_id,omitempty"`
	Generation  uint64               `json:"generation"`
	Mode        Mode                 `json:"mode"`
	Status      Status               `json:"status"`
	Result      ClassificationResult `json:"result"`
	Artifact    Artifact             `json:"artifact"`
	LastError   *DetectionError      `json:"last_error,omitempty"`
	Message     string               `json:"message,omitempty"`
	FailedTicks int                  `json:"failed_ticks"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// ImageUpload ответ /upload_image
type ImageUpload struct {
	ImageURL    string               `json:"image_url"`
	Percentages ClassificationResult `json:"percentages"`
	Error       string               `json:"error,omitempty"`
}

// FinalCounts ответ /final_counts
type FinalCounts struct {
	Complete    bool                 `json:"complete"`
	Percentages ClassificationResult `json:"percentages,omitempty"`
}
