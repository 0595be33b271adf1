package policy

// BuiltinPolicies returns the clone admission rules shipped with WSM.
func BuiltinPolicies() []Policy {
	return []Policy{
		knownInstructionsPolicy(),
		referencedCopyPolicy(),
		instanceClonePolicy(),
		destinationNamePolicy(),
	}
}

func knownInstructionsPolicy() Policy {
	return Policy{
		Name:        "known-instructions",
		Description: "Rejects cloning instructions WSM does not know",
		Enabled:     true,
		Builtin:     true,
		Rego: `package wsm.clone

import rego.v1

known := {"COPY_NOTHING", "COPY_REFERENCE", "COPY_DEFINITION", "COPY_RESOURCE"}

deny contains msg if {
	not input.requested_instructions in known
	msg := sprintf("unknown cloning instructions %q", [input.requested_instructions])
}`,
	}
}

// referencedCopyPolicy keeps WSM from copying objects it does not own.
func referencedCopyPolicy() Policy {
	return Policy{
		Name:        "referenced-copy",
		Description: "Referenced resources can only be cloned as a reference or not at all",
		Enabled:     true,
		Builtin:     true,
		Rego: `package wsm.clone

import rego.v1

deny contains msg if {
	input.source.stewardship == "REFERENCED"
	input.requested_instructions in {"COPY_DEFINITION", "COPY_RESOURCE"}
	msg := sprintf("referenced resource %s cannot be cloned with %s", [input.source.resource_id, input.requested_instructions])
}`,
	}
}

func instanceClonePolicy() Policy {
	return Policy{
		Name:        "instance-clone",
		Description: "Compute instances are never copied",
		Enabled:     true,
		Builtin:     true,
		Rego: `package wsm.clone

import rego.v1

deny contains msg if {
	input.source.kind == "GCE_INSTANCE"
	input.requested_instructions != "COPY_NOTHING"
	msg := sprintf("instance %s only supports COPY_NOTHING", [input.source.resource_id])
}`,
	}
}

func destinationNamePolicy() Policy {
	return Policy{
		Name:        "destination-name",
		Description: "A clone that creates a destination needs a destination name",
		Enabled:     true,
		Builtin:     true,
		Rego: `package wsm.clone

import rego.v1

deny contains msg if {
	input.requested_instructions != "COPY_NOTHING"
	input.destination.name == ""
	msg := "destination name is required"
}`,
	}
}
