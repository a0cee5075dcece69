// Package signaling maps a call onto the document store: the call record
// calls/{id} holding the offer and answer, plus two append-only candidate
// collections, offerCandidates (caller) and answerCandidates (callee).
//
// The adapter enforces the record invariants itself: the record is created
// together with its offer, and the answer is written once, only while the
// offer is present, through a conditional update.
package signaling
