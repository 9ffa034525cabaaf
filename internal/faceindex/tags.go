package faceindex

import (
	"strconv"
	"strings"
)

const (
	userPrefix  = "user:"
	photoPrefix = "photo:"
)

func UserTag(userID int64) string {
	return userPrefix + strconv.FormatInt(userID, 10)
}

func PhotoTag(photoID int64) string {
	return photoPrefix + strconv.FormatInt(photoID, 10)
}

// ParseUserTag returns the user id of a user:<id> tag.
func ParseUserTag(tag string) (int64, bool) {
	return parseTag(tag, userPrefix)
}

// ParsePhotoTag returns the photo id of a photo:<id> tag.
func ParsePhotoTag(tag string) (int64, bool) {
	return parseTag(tag, photoPrefix)
}

func parseTag(tag, prefix string) (int64, bool) {
	rest, ok := strings.CutPrefix(tag, prefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// CollectionID is the stable collection name of an event.
func CollectionID(prefix string, eventID int64) string {
	return prefix + "event-" + strconv.FormatInt(eventID, 10)
}
