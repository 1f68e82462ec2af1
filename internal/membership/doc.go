/*
Package membership turns JupyterHub group listings into per-user metric labels.

Resolve inverts group→users or user→groups records into a Map from user name
to the sorted set of labels to emit, applying the allowed group filter and
the multiple-group policy:

	records := []membership.Record{
		{Kind: membership.KindGroup, Name: "teamA", Members: []string{"alice", "bob"}},
		{Kind: membership.KindGroup, Name: "teamB", Members: []string{"bob"}},
	}
	m := membership.Resolve(records, membership.Policy{DoubleCount: true})
	// m["alice"] == ["teamA"]
	// m["bob"]   == ["multiple", "teamA", "teamB"]

A user with more than one counted membership always carries the "multiple"
label; DoubleCount decides whether its per-group labels are emitted too.

Store publishes versioned snapshots of the latest Map so the usage joiner,
which runs on its own interval, always reads a complete map. The joiner may
read a map one membership cycle old; that skew is expected.

Escape produces the username_escaped label value.
*/
package membership
