package protocol

import (
	"strconv"
	"strings"

	"falconlink/pkg/models"

	"github.com/pkg/errors"
)

// EncodeCommand renders cmd as a control frame without the terminator.
// Commands without an argument are sent as the bare prefix.
func EncodeCommand(cmd models.Command) (string, error) {
	switch cmd.Kind {
	case models.CommandCCTV:
		if !validCamera(cmd.Camera) {
			return "", errors.Errorf("camera %q has no wire prefix", cmd.Camera)
		}
		return prefixRequestCCTV + string(cmd.Camera), nil
	case models.CommandMap:
		return PrefixRequestMap, nil
	case models.CommandObjectDetail:
		if cmd.ObjectID < 0 {
			return "", errors.Errorf("invalid object id %d", cmd.ObjectID)
		}
		return PrefixRequestObjectDetail + prefixSeparator + strconv.Itoa(cmd.ObjectID), nil
	}
	return "", errors.Errorf("unknown command %q", cmd.Kind)
}

// DecodeCommand parses a client command frame, as a server would
func DecodeCommand(frame string) (models.Command, error) {
	prefix, arg, _ := strings.Cut(strings.TrimSpace(frame), prefixSeparator)

	switch prefix {
	case PrefixRequestMap:
		return models.Command{Kind: models.CommandMap}, nil
	case PrefixRequestObjectDetail:
		id, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || id < 0 {
			return models.Command{}, errors.Wrapf(ErrMalformed, "object id %q", arg)
		}
		return models.Command{Kind: models.CommandObjectDetail, ObjectID: id}, nil
	}

	if camera, ok := cameraFromPrefix(prefix, prefixRequestCCTV); ok {
		return models.Command{Kind: models.CommandCCTV, Camera: camera}, nil
	}
	return models.Command{}, errors.Wrapf(ErrUnknownPrefix, "%q", prefix)
}
