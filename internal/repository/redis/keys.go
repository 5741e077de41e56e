package redis

import "quota-service/internal/models"

// Key layout, relative to the configured prefix:
//
//	entity:<id>                         hash: id, name, parent_id, cascade, metadata, created_at
//	children:<parent>                   set of child IDs
//	bucket:<entity>#<resource>          hash: rf, ex, <limit>:tk|cp|bx|ra|rp|tc
//	buckets:<entity>                    set of resources with a bucket
//	limits:entity:<entity>#<resource>   JSON limit list
//	limits:entity-resources:<entity>    set of resources with entity limits
//	limits:resource:<resource>          JSON limit list
//	limits:system                       hash: limits, on_unavailable
//	audit:<entity>                      list of JSON events, newest first
type keys struct {
	prefix string
}

func (k keys) entity(id string) string   { return k.prefix + "entity:" + id }
func (k keys) children(id string) string { return k.prefix + "children:" + id }
func (k keys) bucket(key models.BucketKey) string {
	return k.prefix + "bucket:" + key.String()
}
func (k keys) bucketIndex(entityID string) string { return k.prefix + "buckets:" + entityID }
func (k keys) entityLimits(entityID, resource string) string {
	return k.prefix + "limits:entity:" + entityID + models.KeyDelimiter + resource
}
func (k keys) entityLimitIndex(entityID string) string {
	return k.prefix + "limits:entity-resources:" + entityID
}
func (k keys) resourceLimits(resource string) string { return k.prefix + "limits:resource:" + resource }
func (k keys) system() string                        { return k.prefix + "limits:system" }
func (k keys) audit(entityID string) string          { return k.prefix + "audit:" + entityID }
