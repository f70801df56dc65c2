// Package billing holds the recurring membership billing and payment
// reconciliation rules for the cooperative.
//
// Every function here is a pure computation over a member, the member's plan,
// a snapshot of the member's payment ledger and the current date. Nothing in
// this package reads or writes storage; callers fetch the ledger, ask the
// engine for a decision and persist the result through the ports declared in
// ports.go.
//
// # Obligations
//
// NextObligation answers "what does this member owe now". The enrollment fee
// takes precedence over monthly dues. A pending payment already on the ledger
// is surfaced as-is; otherwise an obligation is synthesized for the next
// period, pinned to the plan's due day.
//
// # Periods
//
// Monthly dues are keyed by a Period (a calendar year-month, "2024-07"). At
// most one non-cancelled monthly_due payment may exist per member and period,
// and at most one non-cancelled enrollment_fee payment per member.
// CheckDuplicate enforces this before an insert; the persistence layer carries
// the authoritative unique index.
//
// # Overdue
//
// Overdue is never stored. IsOverdue derives it from status and due date.
package billing
