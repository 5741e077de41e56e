// Package bucket implements token-bucket arithmetic over immutable snapshots.
//
// All amounts are millitokens and all times are epoch milliseconds. Functions
// take the current time from the caller and never perform I/O, so the same
// snapshot and the same now always produce the same result.
//
// # Refill
//
// Refill adds floor(elapsed * refillAmount / refillPeriod) millitokens, capped
// at burst, and advances the refill timestamp only by the time those tokens
// represent. Elapsed time that did not yet earn a whole millitoken stays
// attributed to the next refill, so many small refills end at the same balance
// as one large refill.
//
// # Debt
//
// ForceConsume may drive the balance negative. A bucket in debt refills
// normally; TryConsume fails until the debt plus the new request is covered,
// and its retry-after includes the debt.
package bucket
