package dynamodb

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"quota-service/internal/models"
)

// Single-table layout:
//
//	PK                 SK                          item
//	ENTITY#<id>        #META                       entity (GSI1: PARENT#<parent> / CHILD#<id>)
//	ENTITY#<id>        #BUCKET#<resource>          bucket record for every limit
//	ENTITY#<id>        #CONFIG#<resource>          entity-scope limits
//	ENTITY#<id>        #AUDIT#<ms>#<event id>      audit event
//	RESOURCE#<name>    #CONFIG                     resource defaults
//	SYSTEM#            #CONFIG                     system defaults and on_unavailable
const (
	attrPK     = "PK"
	attrSK     = "SK"
	attrGSI1PK = "GSI1PK"
	attrGSI1SK = "GSI1SK"

	attrEntityID = "entity_id"
	attrResource = "resource"
	attrRefill   = "rf"
	attrExpires  = "ex"
	attrTTL      = "ttl"

	skMeta        = "#META"
	skBucket      = "#BUCKET#"
	skConfig      = "#CONFIG"
	skEntityConf  = "#CONFIG#"
	skAudit       = "#AUDIT#"
	pkEntity      = "ENTITY#"
	pkResource    = "RESOURCE#"
	pkSystem      = "SYSTEM#"
	gsiParent     = "PARENT#"
	gsiChild      = "CHILD#"
	gsi1IndexName = "GSI1"

	limitAttrPrefix = "b_"
)

// Per-limit attribute suffixes on bucket items.
const (
	sufTokens    = "tk"
	sufCapacity  = "cp"
	sufBurst     = "bx"
	sufRefillAmt = "ra"
	sufRefillPer = "rp"
	sufConsumed  = "tc"
	sufRefillAt  = "rt"
)

func entityPK(id string) string { return pkEntity + id }

func bucketSK(resource string) string { return skBucket + resource }

func entityConfigSK(resource string) string { return skEntityConf + resource }

func auditSK(ts time.Time, eventID string) string {
	return fmt.Sprintf("%s%013d#%s", skAudit, ts.UnixMilli(), eventID)
}

func limitAttr(name, suffix string) string {
	return limitAttrPrefix + name + "_" + suffix
}

// parseLimitAttr splits b_<name>_<suffix>. Limit names may contain
// underscores; suffixes never do.
func parseLimitAttr(attr string) (name, suffix string, ok bool) {
	if !strings.HasPrefix(attr, limitAttrPrefix) {
		return "", "", false
	}
	rest := attr[len(limitAttrPrefix):]
	idx := strings.LastIndexByte(rest, '_')
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func scopeKey(scope models.Scope) map[string]types.AttributeValue {
	switch scope.Level {
	case models.ScopeEntity:
		return itemKey(entityPK(scope.EntityID), entityConfigSK(scope.Resource))
	case models.ScopeResource:
		return itemKey(pkResource+scope.Resource, skConfig)
	default:
		return itemKey(pkSystem, skConfig)
	}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func bucketKey(key models.BucketKey) map[string]types.AttributeValue {
	return itemKey(entityPK(key.EntityID), bucketSK(key.Resource))
}
