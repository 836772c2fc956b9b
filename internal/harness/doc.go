// Package harness runs scripted multi-client editing scenarios against a
// real change log and checks that every client converges.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	clients: [alice, bob]
//	steps:
//	  - op: insert
//	    client: alice
//	    pos: 0
//	    text: "hello"
//	  - op: concurrent
//	    steps:
//	      - { op: insert, client: alice, pos: 5, text: "!" }
//	      - { op: insert, client: bob, pos: 0, text: ">" }
//	  - op: discuss
//	    client: bob
//	    id: d1
//	    from: 1
//	    to: 6
//	assertions:
//	  - type: text
//	    text: ">hello!"
//	  - type: anchor
//	    id: d1
//	    from: 1
//	    to: 6
//
// # Assertion Types
//
//   - text: every client (or the named client) shows the text
//   - key: every client (or the named client) reached the key
//   - anchor: the discussion is anchored to [from, to) on every client
//   - no_anchor: no client tracks the discussion
//   - stored: the branch holds the discussion at [from, to) mapped against key
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite branch, fixed record timestamps
// and sequential record ids per client. After each step the harness waits
// until all clients are idle at the branch's highest key with identical
// text and anchors, so the trace only holds converged states. Concurrent
// steps race for the same key; scenarios pick edits whose merged result
// does not depend on which client wins.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/typing.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
