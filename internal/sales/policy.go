package sales

// CanCreate reports whether the actor holds the Employee capability.
func CanCreate(actor Actor) bool {
	return actor.ID > 0 && actor.Role == RoleEmployee
}

// CanVoid reports whether actor may void sale: only the employee who created it.
// Administrators get no exemption here.
func CanVoid(sale *Sale, actor Actor) bool {
	return sale != nil && actor.ID > 0 && sale.EmployeeID == actor.ID
}
