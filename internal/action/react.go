package action

func init() {
	Register(&Type{
		Name: "REACT",
	})
}
