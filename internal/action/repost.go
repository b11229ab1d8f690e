package action

// REPOST fans out to the issuer's followers exactly like POST; the fan-out
// budget (Engine.maxFanout) applies equally here to prevent the
// unbounded-amplification risk noted against reposts specifically
// (REDESIGN FLAGS).
func init() {
	Register(&Type{
		Name:      "REPOST",
		Broadcast: true,
	})
}
