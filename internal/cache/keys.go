package cache

import (
	"strconv"
	"strings"
)

// Keys builds cache keys under one namespace.
type Keys struct {
	prefix string
}

func NewKeys(namespace string) Keys {
	namespace = strings.TrimSuffix(strings.TrimSpace(namespace), ":")
	return Keys{prefix: namespace + ":"}
}

// Flag is the per-actor "did I interact" key, e.g. hotboard:flag:like:42:7.
func (k Keys) Flag(action string, resourceID, actorID int64) string {
	return k.prefix + "flag:" + action + ":" + strconv.FormatInt(resourceID, 10) + ":" + strconv.FormatInt(actorID, 10)
}

// Detail is the aggregate detail key for a resource, e.g. hotboard:detail:42.
func (k Keys) Detail(resourceID int64) string {
	return k.prefix + "detail:" + strconv.FormatInt(resourceID, 10)
}
