package models

import (
	"strconv"
	"strings"
	"time"
)

// ObjectType identifies the class of a detected object
type ObjectType int

const (
	ObjectBird ObjectType = iota
	ObjectFOD
	ObjectPerson
	ObjectAnimal
	ObjectAirplane
	ObjectFire
	ObjectVehicle
	ObjectFallenPerson
)

var objectTypeNames = [...]string{"BIRD", "FOD", "PERSON", "ANIMAL", "AIRPLANE", "FIRE", "VEHICLE", "FALLEN_PERSON"}

func (t ObjectType) String() string {
	if !t.Valid() {
		return "UNKNOWN"
	}
	return objectTypeNames[t]
}

// Valid reports whether t is one of the known object classes
func (t ObjectType) Valid() bool {
	return t >= ObjectBird && t <= ObjectFallenPerson
}

// ParseObjectType accepts either the numeric wire code or the class name
func ParseObjectType(s string) (ObjectType, bool) {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		t := ObjectType(code)
		return t, t.Valid()
	}
	for i, name := range objectTypeNames {
		if strings.EqualFold(name, s) {
			return ObjectType(i), true
		}
	}
	return 0, false
}

// Zone is an airfield area reported with a detection
type Zone string

const (
	ZoneTaxiwayA Zone = "TWY_A"
	ZoneTaxiwayB Zone = "TWY_B"
	ZoneTaxiwayC Zone = "TWY_C"
	ZoneTaxiwayD Zone = "TWY_D"
	ZoneRunwayA  Zone = "RWY_A"
	ZoneRunwayB  Zone = "RWY_B"
	ZoneGrassA   Zone = "GRASS_A"
	ZoneGrassB   Zone = "GRASS_B"
	ZoneRamp     Zone = "RAMP"
)

// zone codes start at 1 on the wire
var zoneOrder = [...]Zone{ZoneTaxiwayA, ZoneTaxiwayB, ZoneTaxiwayC, ZoneTaxiwayD, ZoneRunwayA, ZoneRunwayB, ZoneGrassA, ZoneGrassB, ZoneRamp}

// ParseZone accepts a zone code (1..9) or a zone name
func ParseZone(s string) (Zone, bool) {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		if code < 1 || code > len(zoneOrder) {
			return "", false
		}
		return zoneOrder[code-1], true
	}
	for _, z := range zoneOrder {
		if strings.EqualFold(string(z), s) {
			return z, true
		}
	}
	return "", false
}

// Code returns the wire code for z, or 0 when z is unknown
func (z Zone) Code() int {
	for i, known := range zoneOrder {
		if known == z {
			return i + 1
		}
	}
	return 0
}

// RiskLevel is the server's assessment for birds or a runway
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	}
	return "UNKNOWN"
}

// Valid reports whether r is LOW, MEDIUM or HIGH
func (r RiskLevel) Valid() bool {
	return r >= RiskLow && r <= RiskHigh
}

// ParseRiskLevel accepts a numeric level or its name
func ParseRiskLevel(s string) (RiskLevel, bool) {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		r := RiskLevel(code)
		return r, r.Valid()
	}
	for _, r := range []RiskLevel{RiskLow, RiskMedium, RiskHigh} {
		if strings.EqualFold(r.String(), s) {
			return r, true
		}
	}
	return 0, false
}

// Runway identifies one of the two monitored runways
type Runway string

const (
	RunwayA Runway = "A"
	RunwayB Runway = "B"
)

// CameraID is the logical camera identifier carried by media datagrams
type CameraID string

const (
	CameraA CameraID = "A"
	CameraB CameraID = "B"
)

// DetectedObject is one object reported by the server. Image is only set on
// object detail responses.
type DetectedObject struct {
	ID        int        `json:"id"`
	Type      ObjectType `json:"type"`
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Zone      Zone       `json:"zone"`
	Timestamp time.Time  `json:"timestamp"`
	Extra     string     `json:"extra,omitempty"`
	Image     []byte     `json:"image,omitempty"`
}

// MessageKind names a control message variant
type MessageKind string

const (
	KindObjectDetection   MessageKind = "object_detection"
	KindBirdRisk          MessageKind = "bird_risk"
	KindRunwayRisk        MessageKind = "runway_risk"
	KindObjectDetail      MessageKind = "object_detail"
	KindObjectDetailError MessageKind = "object_detail_error"
	KindMapResponse       MessageKind = "map_response"
	KindCCTVResponse      MessageKind = "cctv_response"
)

// ControlMessage is a decoded server-to-client message
type ControlMessage interface {
	Kind() MessageKind
}

// ObjectDetectionBatch carries every object of one ME_OD message. Skipped
// counts records that could not be parsed.
type ObjectDetectionBatch struct {
	Objects []DetectedObject
	Skipped int
}

type BirdRiskUpdate struct {
	Level RiskLevel
}

type RunwayRiskUpdate struct {
	Runway Runway
	Level  RiskLevel
}

type ObjectDetailResponse struct {
	Object DetectedObject
}

type ObjectDetailError struct {
	Reason string
}

type MapResponse struct {
	OK     bool
	Detail string
}

type CCTVResponse struct {
	Camera CameraID
	OK     bool
	Detail string
}

func (ObjectDetectionBatch) Kind() MessageKind { return KindObjectDetection }
func (BirdRiskUpdate) Kind() MessageKind       { return KindBirdRisk }
func (RunwayRiskUpdate) Kind() MessageKind     { return KindRunwayRisk }
func (ObjectDetailResponse) Kind() MessageKind { return KindObjectDetail }
func (ObjectDetailError) Kind() MessageKind    { return KindObjectDetailError }
func (MapResponse) Kind() MessageKind          { return KindMapResponse }
func (CCTVResponse) Kind() MessageKind         { return KindCCTVResponse }

// CommandKind names a client-to-server request
type CommandKind string

const (
	CommandCCTV         CommandKind = "cctv"
	CommandMap          CommandKind = "map"
	CommandObjectDetail CommandKind = "object_detail"
)

// Command is a request sent on the control channel
type Command struct {
	Kind     CommandKind
	Camera   CameraID // CommandCCTV only
	ObjectID int      // CommandObjectDetail only
}
