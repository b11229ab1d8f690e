package action

func init() {
	Register(&Type{
		Name: "FSHR",
	})
}
