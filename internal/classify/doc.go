// Package classify maps raw transport failures to error categories.
//
// Classification is a pure function of the error, the transport phase
// at the time of failure, and the runtime environment. The same inputs
// always produce the same result, which keeps retry decisions
// deterministic and testable.
package classify
