package dynamodb

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

// maxTransactItems is the DynamoDB limit on items per transaction.
const maxTransactItems = 100

// buildTransactItem turns a BucketWrite into a Put (create) or an Update
// (every other mode) carrying its condition.
func (b *Backend) buildTransactItem(w repository.BucketWrite, nowMs int64) (types.TransactWriteItem, error) {
	if w.Mode == repository.WriteCreate {
		cond := createCondition(nowMs)
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("build create condition: %w", err)
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(b.table),
			Item:                      marshalBucket(w),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}}, nil
	}

	expr, err := updateExpression(w)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(b.table),
		Key:                       bucketKey(w.Key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

// createCondition accepts a missing item or one whose TTL passed but which
// DynamoDB has not removed yet.
func createCondition(nowMs int64) expression.ConditionBuilder {
	return expression.Or(
		expression.AttributeNotExists(expression.Name(attrPK)),
		expression.Name(attrExpires).LessThanEqual(expression.Value(nowMs)),
	)
}

func updateExpression(w repository.BucketWrite) (expression.Expression, error) {
	var update expression.UpdateBuilder

	if w.Mode == repository.WriteNormal {
		update = update.Set(expression.Name(attrRefill), expression.Value(w.RefillMs))
	}

	conds := []expression.ConditionBuilder{expression.AttributeExists(expression.Name(attrPK))}
	switch w.Mode {
	case repository.WriteNormal:
		conds = append(conds, expression.Name(attrRefill).Equal(expression.Value(w.ExpectedRefillMs)))
	case repository.WriteRetry:
		for _, lw := range w.Limits {
			if lw.Guarded(w.Mode) {
				conds = append(conds, expression.Name(limitAttr(lw.Limit.Name, sufTokens)).
					GreaterThanEqual(expression.Value(lw.MinTokensMilli)))
			}
		}
	}

	for _, lw := range w.Limits {
		l := lw.Limit
		tk := expression.Name(limitAttr(l.Name, sufTokens))
		tc := expression.Name(limitAttr(l.Name, sufConsumed))

		if lw.UpdatesConfig(w.Mode) {
			update = update.
				Set(expression.Name(limitAttr(l.Name, sufCapacity)), expression.Value(l.Capacity*models.MilliScale)).
				Set(expression.Name(limitAttr(l.Name, sufBurst)), expression.Value(l.Burst*models.MilliScale)).
				Set(expression.Name(limitAttr(l.Name, sufRefillAmt)), expression.Value(l.RefillAmount*models.MilliScale)).
				Set(expression.Name(limitAttr(l.Name, sufRefillPer)), expression.Value(l.RefillPeriodMs())).
				Set(expression.Name(limitAttr(l.Name, sufRefillAt)), expression.Value(w.LimitRefillMs(lw)))
		}
		if lw.Absolute(w.Mode) {
			update = update.Set(tk, expression.Value(lw.TokensMilli)).Set(tc, expression.Value(lw.ConsumedDelta))
		} else {
			update = update.Add(tk, expression.Value(lw.TokensDelta)).Add(tc, expression.Value(lw.ConsumedDelta))
		}
	}

	switch w.TTL {
	case repository.TTLSet:
		update = update.
			Set(expression.Name(attrExpires), expression.Value(w.ExpiresAtMs)).
			Set(expression.Name(attrTTL), expression.Value(ttlSeconds(w.ExpiresAtMs)))
	case repository.TTLClear:
		update = update.Remove(expression.Name(attrExpires)).Remove(expression.Name(attrTTL))
	}

	if len(w.Limits) == 0 && w.Mode != repository.WriteNormal && w.TTL == repository.TTLKeep {
		// nothing to change, but an update needs at least one action
		update = update.Set(expression.Name(attrEntityID), expression.Value(w.Key.EntityID))
	}

	cond := conds[0]
	if len(conds) > 1 {
		cond = expression.And(conds[0], conds[1], conds[2:]...)
	}

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return expression.Expression{}, fmt.Errorf("build %s update for %s: %w", w.Mode, w.Key, err)
	}
	return expr, nil
}
