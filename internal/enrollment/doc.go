// Package enrollment keeps terminals in step with the identity store.
//
// Every mutation of an identity's templates or reach is written together
// with the commands it implies in a single transaction: a template upload
// fans EnrollUser out to every reachable device that does not already
// carry it, removing an assignment queues one DeleteUser, and enabling a
// device brings it the allow-all identities.
//
// The Engine also observes the command queue. Acknowledged EnrollUser and
// DeleteUser commands update the per-device enrollment record, and an
// acknowledged GetEnrollData from an EBKN terminal captures the returned
// template.
package enrollment
