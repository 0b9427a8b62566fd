package models

import "time"

// Still is one archived camera image
type Still struct {
	Camera     CameraID  `json:"camera"`
	Sequence   uint64    `json:"sequence"` // Frame sequence the still was taken from
	Path       string    `json:"path"`     // Path in storage (local or GCS)
	Size       int64     `json:"size"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"capturedAt"`
}

// StillIndex is the per-camera archive listing, kept as a sliding window
type StillIndex struct {
	Camera      CameraID  `json:"camera"`
	MaxStills   int       `json:"maxStills"`
	Stills      []*Still  `json:"stills"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Add appends still and returns the entries that fell out of the window
func (i *StillIndex) Add(still *Still) []*Still {
	i.Stills = append(i.Stills, still)
	i.LastUpdated = time.Now()

	var evicted []*Still
	for i.MaxStills > 0 && len(i.Stills) > i.MaxStills {
		evicted = append(evicted, i.Stills[0])
		i.Stills = i.Stills[1:]
	}
	return evicted
}
