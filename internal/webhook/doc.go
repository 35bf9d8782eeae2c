// Package webhook receives Fal queue completion callbacks.
//
// # Request Flow
//
//  1. HTTP POST arrives at the configured path (default /webhooks/fal)
//  2. Raw body read through a size limit (413 if too large)
//  3. Ed25519 signature over the raw body and x-fal-webhook-* headers verified
//     (401 on mismatch, 503 if the key set cannot be fetched)
//  4. Envelope decoded (400 if malformed)
//  5. History record located by Fal request id (202 "ignored" if unknown)
//  6. Delivery fingerprint recorded (200 "duplicate" on redelivery)
//  7. Result applied through the completion service (200 "ok")
//
// Archiving and the outbound notification run out of band, so the ack is sent
// as soon as the state transition commits.
//
// # Error Responses
//
// Rejections never describe which check failed:
//
//	{"error": "unauthorized"}
package webhook
