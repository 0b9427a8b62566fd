package protocol

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"
	"time"

	"falconlink/pkg/models"

	"github.com/pkg/errors"
)

// Message prefixes
const (
	PrefixObjectDetection = "ME_OD"
	PrefixBirdRisk        = "ME_BR"
	PrefixRunwayARisk     = "ME_RA"
	PrefixRunwayBRisk     = "ME_RB"

	PrefixObjectDetail = "MR_OD"
	PrefixMapResponse  = "MR_MP"
	prefixCCTVResponse = "MR_C" // followed by the camera letter

	PrefixRequestObjectDetail = "MC_OD"
	PrefixRequestMap          = "MC_MP"
	prefixRequestCCTV         = "MC_C"
)

const (
	prefixSeparator = ":"
	fieldSeparator  = ","
	recordSeparator = ";"

	responseOK    = "OK"
	responseError = "ERR"
)

var (
	// ErrMalformed is returned for a frame that does not follow the message grammar
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownPrefix is returned for a well-formed frame with an unrecognised prefix
	ErrUnknownPrefix = errors.New("unknown message prefix")
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DecodeMessage parses one control frame (terminator already removed)
func DecodeMessage(frame string) (models.ControlMessage, error) {
	prefix, payload, ok := strings.Cut(frame, prefixSeparator)
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "no prefix separator in %q", truncate(frame))
	}

	switch prefix {
	case PrefixObjectDetection:
		return decodeDetectionBatch(payload), nil

	case PrefixBirdRisk:
		level, err := decodeRisk(payload)
		if err != nil {
			return nil, err
		}
		return models.BirdRiskUpdate{Level: level}, nil

	case PrefixRunwayARisk, PrefixRunwayBRisk:
		level, err := decodeRisk(payload)
		if err != nil {
			return nil, err
		}
		runway := models.RunwayA
		if prefix == PrefixRunwayBRisk {
			runway = models.RunwayB
		}
		return models.RunwayRiskUpdate{Runway: runway, Level: level}, nil

	case PrefixObjectDetail:
		return decodeObjectDetail(payload)

	case PrefixMapResponse:
		ok, detail := decodeResponse(payload)
		return models.MapResponse{OK: ok, Detail: detail}, nil
	}

	if camera, ok := cameraFromPrefix(prefix, prefixCCTVResponse); ok {
		ok, detail := decodeResponse(payload)
		return models.CCTVResponse{Camera: camera, OK: ok, Detail: detail}, nil
	}

	return nil, errors.Wrapf(ErrUnknownPrefix, "%q", prefix)
}

// EncodeMessage renders msg as a control frame without the terminator
func EncodeMessage(msg models.ControlMessage) (string, error) {
	switch m := msg.(type) {
	case models.ObjectDetectionBatch:
		records := make([]string, 0, len(m.Objects))
		for _, obj := range m.Objects {
			record := encodeObject(obj)
			if obj.Extra != "" {
				record += fieldSeparator + obj.Extra
			}
			records = append(records, record)
		}
		return PrefixObjectDetection + prefixSeparator + strings.Join(records, recordSeparator), nil

	case models.BirdRiskUpdate:
		return PrefixBirdRisk + prefixSeparator + strconv.Itoa(int(m.Level)), nil

	case models.RunwayRiskUpdate:
		prefix := PrefixRunwayARisk
		switch m.Runway {
		case models.RunwayA:
		case models.RunwayB:
			prefix = PrefixRunwayBRisk
		default:
			return "", errors.Errorf("unknown runway %q", m.Runway)
		}
		return prefix + prefixSeparator + strconv.Itoa(int(m.Level)), nil

	case models.ObjectDetailResponse:
		payload := responseOK + fieldSeparator + encodeObject(m.Object) +
			fieldSeparator + base64.StdEncoding.EncodeToString(m.Object.Image)
		return PrefixObjectDetail + prefixSeparator + payload, nil

	case models.ObjectDetailError:
		payload := responseError
		if m.Reason != "" {
			payload += fieldSeparator + m.Reason
		}
		return PrefixObjectDetail + prefixSeparator + payload, nil

	case models.MapResponse:
		return PrefixMapResponse + prefixSeparator + encodeResponse(m.OK, m.Detail), nil

	case models.CCTVResponse:
		if !validCamera(m.Camera) {
			return "", errors.Errorf("camera %q has no wire prefix", m.Camera)
		}
		return prefixCCTVResponse + string(m.Camera) + prefixSeparator + encodeResponse(m.OK, m.Detail), nil
	}
	return "", errors.Errorf("cannot encode %T", msg)
}

// decodeDetectionBatch never fails as a whole: a bad record is counted and
// the rest are kept.
func decodeDetectionBatch(payload string) models.ObjectDetectionBatch {
	var batch models.ObjectDetectionBatch
	if strings.TrimSpace(payload) == "" {
		return batch
	}
	for _, record := range strings.Split(payload, recordSeparator) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.Split(record, fieldSeparator)
		obj, err := decodeObject(fields)
		if err != nil {
			batch.Skipped++
			continue
		}
		if len(fields) > 6 {
			obj.Extra = strings.Join(fields[6:], fieldSeparator)
		}
		batch.Objects = append(batch.Objects, obj)
	}
	return batch
}

func decodeObjectDetail(payload string) (models.ControlMessage, error) {
	fields := strings.Split(payload, fieldSeparator)
	status := strings.TrimSpace(fields[0])

	if !strings.EqualFold(status, responseOK) {
		reason := strings.Join(fields[1:], fieldSeparator)
		if !strings.EqualFold(status, responseError) && status != "" {
			reason = payload
		}
		return models.ObjectDetailError{Reason: reason}, nil
	}

	rest := fields[1:]
	if len(rest) < 7 {
		return nil, errors.Wrapf(ErrMalformed, "object detail has %d fields", len(rest))
	}
	obj, err := decodeObject(rest)
	if err != nil {
		return nil, err
	}
	image, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest[len(rest)-1]))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "object detail image is not base64")
	}
	obj.Image = image
	if len(rest) > 7 {
		obj.Extra = strings.Join(rest[6:len(rest)-1], fieldSeparator)
	}
	return models.ObjectDetailResponse{Object: obj}, nil
}

func decodeObject(fields []string) (models.DetectedObject, error) {
	var obj models.DetectedObject
	if len(fields) < 6 {
		return obj, errors.Wrapf(ErrMalformed, "object record has %d fields", len(fields))
	}

	id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || id < 0 {
		return obj, errors.Wrapf(ErrMalformed, "object id %q", fields[0])
	}
	objType, ok := models.ParseObjectType(fields[1])
	if !ok {
		return obj, errors.Wrapf(ErrMalformed, "object type %q", fields[1])
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return obj, errors.Wrapf(ErrMalformed, "x coordinate %q", fields[2])
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return obj, errors.Wrapf(ErrMalformed, "y coordinate %q", fields[3])
	}
	zone, ok := models.ParseZone(fields[4])
	if !ok {
		return obj, errors.Wrapf(ErrMalformed, "zone %q", fields[4])
	}
	ts, err := parseTimestamp(fields[5])
	if err != nil {
		return obj, err
	}

	obj.ID = id
	obj.Type = objType
	obj.X = x
	obj.Y = y
	obj.Zone = zone
	obj.Timestamp = ts
	return obj, nil
}

func encodeObject(obj models.DetectedObject) string {
	zone := string(obj.Zone)
	if code := obj.Zone.Code(); code > 0 {
		zone = strconv.Itoa(code)
	}
	return strings.Join([]string{
		strconv.Itoa(obj.ID),
		strconv.Itoa(int(obj.Type)),
		strconv.FormatFloat(obj.X, 'f', -1, 64),
		strconv.FormatFloat(obj.Y, 'f', -1, 64),
		zone,
		obj.Timestamp.UTC().Format(time.RFC3339Nano),
	}, fieldSeparator)
}

// parseTimestamp accepts unix seconds (fractional allowed) or ISO 8601
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return time.Time{}, errors.Wrapf(ErrMalformed, "timestamp %q", s)
		}
		whole := math.Floor(secs)
		return time.Unix(int64(whole), int64((secs-whole)*1e9)).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrMalformed, "timestamp %q", s)
}

func decodeRisk(payload string) (models.RiskLevel, error) {
	level, ok := models.ParseRiskLevel(payload)
	if !ok {
		return 0, errors.Wrapf(ErrMalformed, "risk level %q", truncate(payload))
	}
	return level, nil
}

func decodeResponse(payload string) (bool, string) {
	payload = strings.TrimSpace(payload)
	if strings.EqualFold(payload, responseOK) {
		return true, ""
	}
	return false, payload
}

func encodeResponse(ok bool, detail string) string {
	if ok {
		return responseOK
	}
	if detail == "" {
		return responseError
	}
	return detail
}

// cameraFromPrefix extracts X from prefixes such as MR_CX
func cameraFromPrefix(prefix, base string) (models.CameraID, bool) {
	if !strings.HasPrefix(prefix, base) {
		return "", false
	}
	camera := models.CameraID(prefix[len(base):])
	return camera, validCamera(camera)
}

// validCamera reports whether camera can be carried in a command prefix
func validCamera(camera models.CameraID) bool {
	return len(camera) == 1 && camera[0] >= 'A' && camera[0] <= 'Z'
}

func truncate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
