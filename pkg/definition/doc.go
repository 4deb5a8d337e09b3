// Package definition reads and writes pipelines as YAML documents.
//
// A definition lists its tasks in order and declares edges with
// depends_on:
//
//	name: nightly-etl
//	tasks:
//	  - id: extract
//	    operator: noop
//	  - id: load
//	    operator: sleep
//	    depends_on: [extract]
//	    params:
//	      duration: 5
//	    retry:
//	      max_retries: 2
//	      delay: 10
//	      exponential_backoff: true
//
// Parsed pipelines are normalized (downstream edges derived) but not
// validated.
package definition
