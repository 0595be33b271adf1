// Package policy decides whether a clone may proceed, using Open Policy
// Agent.
//
// Every policy is a Rego module in package wsm.clone that adds messages to
// the deny set. The input document is a CloneInput:
//
//	{
//	  "source": {"workspace_id": ..., "resource_id": ..., "stewardship": "REFERENCED",
//	             "kind": "GCS_BUCKET", "cloning_instructions": "COPY_REFERENCE"},
//	  "requested_instructions": "COPY_RESOURCE",
//	  "destination": {"workspace_id": ..., "name": "copy-of-raw"}
//	}
//
// The built-in policies reject unknown instructions, copying the data or
// definition of a referenced resource, cloning an instance as anything but
// COPY_NOTHING, and an empty destination name. Additional policies can be
// loaded from .rego files:
//
//	# Clones into the audit workspace are never allowed.
//	package wsm.clone
//
//	import rego.v1
//
//	deny contains msg if {
//		input.destination.workspace_id == "6b1c..."
//		msg := "the audit workspace is read-only"
//	}
package policy
